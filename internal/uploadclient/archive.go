package uploadclient

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// BuildArchive zips sourceDir into a scoped temp file named
// deploy-<env>-<millis>.zip (spec.md §4.5), skipping any path matching an
// exclude glob (relative to sourceDir, dotfiles included unless a pattern
// names them). It returns the archive path; the caller must call the
// returned cleanup func on every exit path.
func BuildArchive(sourceDir, env string, exclude []string, nowMillis int64) (path string, cleanup func(), err error) {
	name := fmt.Sprintf("deploy-%s-%d.zip", env, nowMillis)
	path = filepath.Join(os.TempDir(), name)

	cleanup = func() { os.Remove(path) }

	out, err := os.Create(path)
	if err != nil {
		return "", cleanup, fmt.Errorf("uploadclient: failed to create archive %s: %w", path, err)
	}

	if err := writeZip(out, sourceDir, exclude); err != nil {
		out.Close()
		cleanup()
		return "", func() {}, err
	}

	if err := out.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("uploadclient: failed to finalize archive: %w", err)
	}

	return path, cleanup, nil
}

func writeZip(out io.Writer, sourceDir string, exclude []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("uploadclient: panic while building archive: %v", r)
		}
	}()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == sourceDir {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if shouldExclude(rel, d, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		return addFileToZip(zw, path, rel, d)
	})
}

// shouldExclude matches rel against every exclude glob (spec.md §4.5:
// "exclusions follow glob semantics ... and include dotfiles by default" —
// dotfiles are archived like any other path unless a pattern names them;
// there is no implicit "." exclusion here).
func shouldExclude(rel string, d fs.DirEntry, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if d.IsDir() {
			if ok, _ := filepath.Match(pattern, rel+"/*"); ok {
				return true
			}
		}
	}
	return false
}

func addFileToZip(zw *zip.Writer, fullPath, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = rel
	header.Method = zip.Deflate
	header.Modified = info.ModTime().UTC()

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// NowMillis is the only source of wall-clock time uploadclient needs; it
// is factored out so callers (and tests) can stamp a fixed value.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func isDirectory(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
