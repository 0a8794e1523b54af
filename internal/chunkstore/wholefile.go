package chunkstore

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

func errChecksumMismatch(expected, actual string) error {
	return fmt.Errorf("chunkstore: checksum mismatch: expected %s, got %s", expected, actual)
}

// SaveWholeFile implements the small-file alternative to the chunked flow
// (spec.md §4.7 POST /upload): the entire file arrives in one request, so
// there is no task directory or resumption to coordinate — just the same
// checksum/extract/save tail as Complete.
func SaveWholeFile(src io.Reader, fileName, checksum string, shouldExtract bool, uploadPath string) (CompleteResult, error) {
	tmp, err := os.CreateTemp("", "fde-upload-*")
	if err != nil {
		return CompleteResult{}, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return CompleteResult{}, err
	}
	tmp.Close()

	checksumVerified := false
	if checksum != "" {
		actual, err := sha256File(tmp.Name())
		if err != nil {
			return CompleteResult{}, err
		}
		if actual != checksum {
			return CompleteResult{}, errChecksumMismatch(checksum, actual)
		}
		checksumVerified = true
	}

	extracted := false
	if shouldExtract {
		if err := extractZip(tmp.Name(), uploadPath); err != nil {
			return CompleteResult{}, err
		}
		extracted = true
	} else {
		if err := os.MkdirAll(uploadPath, 0o755); err != nil {
			return CompleteResult{}, err
		}
		dest := filepath.Join(uploadPath, filepath.Base(fileName))
		if err := copyFile(tmp.Name(), dest); err != nil {
			return CompleteResult{}, err
		}
		if mt, err := mimetype.DetectFile(dest); err == nil {
			log.Printf("[chunkstore] saved %s (%s)", dest, mt.String())
		}
	}

	return CompleteResult{
		FileName:         fileName,
		FileSize:         size,
		ChecksumVerified: checksumVerified,
		Extracted:        extracted,
		UploadPath:       uploadPath,
	}, nil
}
