// Package chunkstore is the server-side chunked upload coordinator
// (spec.md §4.3): init/chunk/status/complete/cancel over a shared
// fingerprint (uploadId), backed by a directory per task under chunkRoot.
package chunkstore

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
)

// uploadIDPattern enforces "≤64 printable, path-safe chars" from spec.md §3.
var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// taskLock is the per-upload-task mutex; a separate map-level mutex on
// Manager governs the uploadId -> taskLock mapping itself (spec.md §5).
type taskLock struct {
	mu sync.Mutex
}

// Manager implements the chunk upload coordinator.
type Manager struct {
	fs        afero.Fs
	chunkRoot string

	locksMu sync.Mutex
	locks   map[string]*taskLock
}

// NewManager creates a coordinator rooted at chunkRoot. chunkRoot is
// created if it doesn't exist; the coordinator exclusively owns it.
func NewManager(chunkRoot string) (*Manager, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(chunkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: failed to create chunk root: %w", err)
	}
	return &Manager{
		fs:        fs,
		chunkRoot: chunkRoot,
		locks:     make(map[string]*taskLock),
	}, nil
}

func (m *Manager) lockFor(uploadID string) *taskLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[uploadID]
	if !ok {
		l = &taskLock{}
		m.locks[uploadID] = l
	}
	return l
}

func (m *Manager) dropLock(uploadID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, uploadID)
}

func (m *Manager) taskDir(uploadID string) string {
	return filepath.Join(m.chunkRoot, uploadID)
}

func (m *Manager) metadataPath(uploadID string) string {
	return filepath.Join(m.taskDir(uploadID), "metadata.json")
}

func (m *Manager) chunkPath(uploadID string, index int) string {
	return filepath.Join(m.taskDir(uploadID), fmt.Sprintf("chunk_%06d", index))
}

// Init creates (or resumes) an upload task. Idempotent for the same
// (uploadId, totalChunks) pair.
func (m *Manager) Init(uploadID string, totalChunks int, fileName, env string, shouldExtract bool) (uploaded []int, isResume bool, err error) {
	if !uploadIDPattern.MatchString(uploadID) {
		return nil, false, fmt.Errorf("chunkstore: invalid upload id %q", uploadID)
	}
	if totalChunks < 1 {
		return nil, false, fmt.Errorf("chunkstore: totalChunks must be >= 1")
	}

	lock := m.lockFor(uploadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	meta, err := m.readMetadata(uploadID)
	if err == nil {
		// Existing task: resume.
		idx := meta.uploadedIndexes()
		sort.Ints(idx)
		return idx, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	if mkErr := m.fs.MkdirAll(m.taskDir(uploadID), 0o755); mkErr != nil {
		return nil, false, fmt.Errorf("chunkstore: failed to create task dir: %w", mkErr)
	}

	now := time.Now()
	meta = &Metadata{
		UploadID:       uploadID,
		TotalChunks:    totalChunks,
		FileName:       fileName,
		Env:            env,
		ShouldExtract:  shouldExtract,
		UploadedChunks: make(map[int]bool),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, false, err
	}

	return []int{}, false, nil
}

// Chunk writes one chunk. Re-uploading the same index is idempotent: it
// overwrites the bytes on disk and leaves UploadedChunks unchanged.
func (m *Manager) Chunk(uploadID string, index int, body io.Reader, md5Hex string) (int, error) {
	lock := m.lockFor(uploadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	meta, err := m.readMetadata(uploadID)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: unknown upload %q: %w", uploadID, err)
	}

	if index < 0 || index >= meta.TotalChunks {
		return 0, fmt.Errorf("chunkstore: chunk index %d out of range [0,%d)", index, meta.TotalChunks)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: failed to read chunk body: %w", err)
	}

	if md5Hex != "" {
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != md5Hex {
			// Per-chunk integrity failure only aborts this chunk, never
			// the whole task (spec.md §4.3).
			return 0, fmt.Errorf("chunkstore: chunk %d failed MD5 verification", index)
		}
	}

	if err := afero.WriteFile(m.fs, m.chunkPath(uploadID, index), data, 0o644); err != nil {
		return 0, fmt.Errorf("chunkstore: failed to write chunk %d: %w", index, err)
	}

	if meta.UploadedChunks == nil {
		meta.UploadedChunks = make(map[int]bool)
	}
	meta.UploadedChunks[index] = true
	meta.UpdatedAt = time.Now()
	if err := m.writeMetadata(meta); err != nil {
		return 0, err
	}

	return index, nil
}

// Status reports the current state of an upload task without mutating it.
func (m *Manager) Status(uploadID string) (StatusResult, error) {
	lock := m.lockFor(uploadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	meta, err := m.readMetadata(uploadID)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusResult{Exists: false}, nil
		}
		return StatusResult{}, err
	}

	idx := meta.uploadedIndexes()
	sort.Ints(idx)
	return StatusResult{Exists: true, UploadedChunks: idx, TotalChunks: meta.TotalChunks}, nil
}

// Complete requires every chunk in [0, totalChunks) present, merges them
// in ascending order, optionally verifies the whole-file SHA-256, saves
// or extracts the result under uploadPath, and destroys the task
// directory on success.
func (m *Manager) Complete(uploadID, fileName, checksum string, shouldExtract bool, uploadPath string) (CompleteResult, error) {
	lock := m.lockFor(uploadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	meta, err := m.readMetadata(uploadID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("chunkstore: unknown upload %q: %w", uploadID, err)
	}

	if !meta.isComplete() {
		return CompleteResult{}, fmt.Errorf("chunkstore: incomplete upload: %d/%d chunks present",
			len(meta.UploadedChunks), meta.TotalChunks)
	}

	mergedPath, err := m.mergeChunks(uploadID, meta.TotalChunks)
	if err != nil {
		return CompleteResult{}, err
	}
	defer os.Remove(mergedPath)

	checksumVerified := false
	if checksum != "" {
		actual, err := sha256File(mergedPath)
		if err != nil {
			return CompleteResult{}, err
		}
		if actual != checksum {
			// Whole-file integrity failure destroys the task (spec.md §4.3/§7).
			m.removeTaskLocked(uploadID)
			return CompleteResult{}, fmt.Errorf("chunkstore: checksum mismatch: expected %s, got %s", checksum, actual)
		}
		checksumVerified = true
	}

	info, err := os.Stat(mergedPath)
	if err != nil {
		return CompleteResult{}, err
	}

	extracted := false
	if shouldExtract {
		if err := extractZip(mergedPath, uploadPath); err != nil {
			return CompleteResult{}, fmt.Errorf("chunkstore: failed to extract archive: %w", err)
		}
		extracted = true
	} else {
		if err := os.MkdirAll(uploadPath, 0o755); err != nil {
			return CompleteResult{}, fmt.Errorf("chunkstore: failed to create upload path: %w", err)
		}
		dest := filepath.Join(uploadPath, filepath.Base(fileName))
		if err := copyFile(mergedPath, dest); err != nil {
			return CompleteResult{}, fmt.Errorf("chunkstore: failed to save uploaded file: %w", err)
		}
		if mt, err := mimetype.DetectFile(dest); err == nil {
			log.Printf("[chunkstore] saved %s (%s)", dest, mt.String())
		}
	}

	m.removeTaskLocked(uploadID)

	return CompleteResult{
		FileName:         fileName,
		FileSize:         info.Size(),
		ChecksumVerified: checksumVerified,
		Extracted:        extracted,
		UploadPath:       uploadPath,
	}, nil
}

// Cancel deletes the task directory. In-flight chunk writes for the same
// id may race this and leave stragglers; the sweeper cleans those up.
func (m *Manager) Cancel(uploadID string) error {
	lock := m.lockFor(uploadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	m.removeTaskLocked(uploadID)
	return nil
}

// removeTaskLocked must be called with the task's lock held.
func (m *Manager) removeTaskLocked(uploadID string) {
	if err := m.fs.RemoveAll(m.taskDir(uploadID)); err != nil {
		log.Printf("[chunkstore] failed to remove task dir for %s: %v", uploadID, err)
	}
	m.dropLock(uploadID)
}

func (m *Manager) mergeChunks(uploadID string, totalChunks int) (string, error) {
	out, err := os.CreateTemp("", "fde-merge-*")
	if err != nil {
		return "", fmt.Errorf("chunkstore: failed to create merge buffer: %w", err)
	}
	defer out.Close()

	for i := 0; i < totalChunks; i++ {
		chunkFile, err := m.fs.Open(m.chunkPath(uploadID, i))
		if err != nil {
			os.Remove(out.Name())
			return "", fmt.Errorf("chunkstore: incomplete upload: missing chunk %d: %w", i, err)
		}
		_, copyErr := io.Copy(out, chunkFile)
		chunkFile.Close()
		if copyErr != nil {
			os.Remove(out.Name())
			return "", fmt.Errorf("chunkstore: failed to merge chunk %d: %w", i, copyErr)
		}
	}

	return out.Name(), nil
}

// readMetadata loads metadata.json. If the file is present but its
// uploadedChunks field is absent, UploadedChunks is recomputed by scanning
// the chunk_NNNNNN files present on disk. If metadata.json itself is
// missing, the task is reported as not found (os.ErrNotExist) even when
// chunk files remain: TotalChunks, FileName and the rest only ever lived
// in metadata.json, and nothing is recovered from the chunk files.
func (m *Manager) readMetadata(uploadID string) (*Metadata, error) {
	data, err := afero.ReadFile(m.fs, m.metadataPath(uploadID))
	if err == nil {
		var meta Metadata
		if jsonErr := json.Unmarshal(data, &meta); jsonErr != nil {
			return nil, fmt.Errorf("chunkstore: corrupt metadata for %s: %w", uploadID, jsonErr)
		}
		if meta.UploadedChunks == nil {
			meta.UploadedChunks = m.scanChunksOnDisk(uploadID)
		}
		return &meta, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return nil, os.ErrNotExist
}

// scanChunksOnDisk recovers the uploaded-chunk set from chunk_NNNNNN
// files when metadata.json is present but its uploadedChunks field was
// lost or never written.
func (m *Manager) scanChunksOnDisk(uploadID string) map[int]bool {
	entries, err := afero.ReadDir(m.fs, m.taskDir(uploadID))
	if err != nil {
		return map[int]bool{}
	}
	found := make(map[int]bool)
	for _, entry := range entries {
		var idx int
		if _, scanErr := fmt.Sscanf(entry.Name(), "chunk_%06d", &idx); scanErr == nil {
			found[idx] = true
		}
	}
	return found
}

// writeMetadata persists metadata.json atomically (write-to-temp +
// rename) so concurrent readers never observe a partially written file.
func (m *Manager) writeMetadata(meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("chunkstore: failed to marshal metadata: %w", err)
	}
	if err := atomic.WriteFile(m.metadataPath(meta.UploadID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("chunkstore: failed to write metadata: %w", err)
	}
	return nil
}

// StaleTasks lists uploadIds whose metadata (or, if metadata is missing,
// directory mtime) is older than maxAge. Used by the sweeper.
func (m *Manager) StaleTasks(maxAge time.Duration) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, m.chunkRoot)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	var errs *multierror.Error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uploadID := entry.Name()
		meta, err := m.readMetadata(uploadID)
		if err != nil {
			if os.IsNotExist(err) {
				if entry.ModTime().Before(cutoff) {
					stale = append(stale, uploadID)
				}
				continue
			}
			if entry.ModTime().Before(cutoff) {
				stale = append(stale, uploadID)
			}
			errs = multierror.Append(errs, fmt.Errorf("stale scan %s: %w", uploadID, err))
			continue
		}
		if meta.UpdatedAt.Before(cutoff) {
			stale = append(stale, uploadID)
		}
	}

	return stale, errs.ErrorOrNil()
}

// RemoveStale removes the given task ids, re-checking UpdatedAt under
// each task's own lock so an upload actively being written is never
// swept out from under it (spec.md §4.3).
func (m *Manager) RemoveStale(uploadIDs []string, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	var errs *multierror.Error

	for _, uploadID := range uploadIDs {
		lock := m.lockFor(uploadID)
		lock.mu.Lock()
		meta, err := m.readMetadata(uploadID)
		switch {
		case err == nil && meta.UpdatedAt.Before(cutoff):
			m.removeTaskLocked(uploadID)
		case os.IsNotExist(err):
			if err := m.fs.RemoveAll(m.taskDir(uploadID)); err != nil {
				errs = multierror.Append(errs, err)
			}
			m.dropLock(uploadID)
		}
		lock.mu.Unlock()
	}

	return errs.ErrorOrNil()
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		// Guard against zip-slip: reject entries escaping destDir.
		if !isWithinDir(destDir, target) {
			return fmt.Errorf("chunkstore: illegal zip entry path %q", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		out.Close()
		rc.Close()
		if copyErr != nil {
			return copyErr
		}
	}

	return nil
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasPrefix(rel, "../")
}

func filepathHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

