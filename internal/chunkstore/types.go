package chunkstore

import "time"

// Metadata is the canonical on-disk state for one upload task (spec.md §3).
// uploadedChunks is recomputed from the chunk files on disk when this file
// exists but lacks that field; a task whose metadata.json is missing is
// treated as not found.
type Metadata struct {
	UploadID       string       `json:"upload_id"`
	TotalChunks    int          `json:"total_chunks"`
	FileName       string       `json:"file_name"`
	Env            string       `json:"env"`
	ShouldExtract  bool         `json:"should_extract"`
	UploadedChunks map[int]bool `json:"uploaded_chunks"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (m *Metadata) uploadedIndexes() []int {
	out := make([]int, 0, len(m.UploadedChunks))
	for idx := range m.UploadedChunks {
		out = append(out, idx)
	}
	return out
}

func (m *Metadata) isComplete() bool {
	return len(m.UploadedChunks) == m.TotalChunks
}

// CompleteResult is returned by Manager.Complete.
type CompleteResult struct {
	FileName         string
	FileSize         int64
	ChecksumVerified bool
	Extracted        bool
	UploadPath       string
}

// StatusResult is returned by Manager.Status.
type StatusResult struct {
	Exists         bool
	UploadedChunks []int
	TotalChunks    int
}
