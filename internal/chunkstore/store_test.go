package chunkstore

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInitIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	uploaded, isResume, err := m.Init("upload-1", 3, "x.zip", "prod", true)
	require.NoError(t, err)
	assert.False(t, isResume)
	assert.Empty(t, uploaded)

	_, err = m.Chunk("upload-1", 0, bytes.NewReader([]byte("aaa")), "")
	require.NoError(t, err)

	uploaded, isResume, err = m.Init("upload-1", 3, "x.zip", "prod", true)
	require.NoError(t, err)
	assert.True(t, isResume)
	assert.Equal(t, []int{0}, uploaded)
}

func TestChunkRejectsOutOfRangeIndex(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-2", 2, "f.bin", "prod", false)
	require.NoError(t, err)

	_, err = m.Chunk("upload-2", 2, bytes.NewReader([]byte("x")), "")
	assert.Error(t, err)
}

func TestChunkRejectsBadMD5WithoutAbortingTask(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-3", 1, "f.bin", "prod", false)
	require.NoError(t, err)

	_, err = m.Chunk("upload-3", 0, bytes.NewReader([]byte("data")), "deadbeef")
	assert.Error(t, err)

	status, err := m.Status("upload-3")
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Empty(t, status.UploadedChunks)

	_, err = m.Chunk("upload-3", 0, bytes.NewReader([]byte("data")), md5hex([]byte("data")))
	require.NoError(t, err)
}

func TestChunkReuploadIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-4", 1, "f.bin", "prod", false)
	require.NoError(t, err)

	_, err = m.Chunk("upload-4", 0, bytes.NewReader([]byte("first")), "")
	require.NoError(t, err)
	_, err = m.Chunk("upload-4", 0, bytes.NewReader([]byte("second")), "")
	require.NoError(t, err)

	status, err := m.Status("upload-4")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, status.UploadedChunks)
}

func TestStatusUnknownUploadDoesNotExist(t *testing.T) {
	m := newTestManager(t)
	status, err := m.Status("nope")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestCompleteMergesInOrderAndVerifiesChecksum(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-5", 2, "out.bin", "prod", false)
	require.NoError(t, err)

	part0 := []byte("hello-")
	part1 := []byte("world")
	_, err = m.Chunk("upload-5", 0, bytes.NewReader(part0), "")
	require.NoError(t, err)
	_, err = m.Chunk("upload-5", 1, bytes.NewReader(part1), "")
	require.NoError(t, err)

	whole := append(append([]byte{}, part0...), part1...)
	checksum := sha256hex(whole)

	dest := t.TempDir()
	result, err := m.Complete("upload-5", "out.bin", checksum, false, dest)
	require.NoError(t, err)
	assert.True(t, result.ChecksumVerified)
	assert.Equal(t, int64(len(whole)), result.FileSize)

	saved, err := os.ReadFile(filepath.Join(dest, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, whole, saved)

	status, err := m.Status("upload-5")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestCompleteRejectsIncompleteUpload(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-6", 2, "out.bin", "prod", false)
	require.NoError(t, err)
	_, err = m.Chunk("upload-6", 0, bytes.NewReader([]byte("a")), "")
	require.NoError(t, err)

	_, err = m.Complete("upload-6", "out.bin", "", false, t.TempDir())
	assert.Error(t, err)
}

func TestCompleteChecksumMismatchDestroysTask(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-7", 1, "out.bin", "prod", false)
	require.NoError(t, err)
	_, err = m.Chunk("upload-7", 0, bytes.NewReader([]byte("payload")), "")
	require.NoError(t, err)

	_, err = m.Complete("upload-7", "out.bin", "not-a-real-checksum", false, t.TempDir())
	assert.Error(t, err)

	status, err := m.Status("upload-7")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestCompleteWithSingleChunkEqualToFileSize(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-8", 1, "small.txt", "prod", false)
	require.NoError(t, err)

	payload := []byte("tiny file, one chunk, boundary case")
	_, err = m.Chunk("upload-8", 0, bytes.NewReader(payload), "")
	require.NoError(t, err)

	dest := t.TempDir()
	result, err := m.Complete("upload-8", "small.txt", sha256hex(payload), false, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), result.FileSize)
}

func TestCancelRemovesTask(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("upload-9", 1, "f.bin", "prod", false)
	require.NoError(t, err)

	require.NoError(t, m.Cancel("upload-9"))

	status, err := m.Status("upload-9")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestInitRejectsMalformedUploadID(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Init("../escape", 1, "f.bin", "prod", false)
	assert.Error(t, err)
}
