// Package uploadclient is the chunked-upload client described in
// spec.md §4.4: it hashes the file to derive a resumable uploadId, drains
// a fixed-size worker pool over the missing chunk indices, and calls
// complete once every chunk has landed.
package uploadclient

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheggaaa/pb/v3"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/observability"
)

// ChunkSize is the fixed chunk size the client cuts files into
// (spec.md §4.4 — chunk size and worker count are open questions resolved
// as fixed constants rather than per-environment settings, see DESIGN.md).
const ChunkSize = config.DefaultChunkSize

// Workers is the fixed worker-pool size draining the chunk queue.
const Workers = config.DefaultConcurrency

// maxChunkRetries and the backoff bounds implement the per-chunk retry
// policy: up to 3 retries, with a wait that starts at 1s and doubles up to
// a 10s cap. Jitter comes from the backoff library's randomization factor
// of 0.5, so each wait is the current interval scaled by a random factor
// in [0.5, 1.5]; it is not a fixed 0-500ms addition.
const maxChunkRetries = 3

// Client drives the chunked-upload HTTP protocol against one fde server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New constructs a Client bound to one environment's server and token.
func New(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

type initResponse struct {
	UploadedChunks []int `json:"uploadedChunks"`
	TotalChunks    int   `json:"totalChunks"`
	IsResume       bool  `json:"isResume"`
}

// UploadFile uploads path to env, showing a progress bar on stdout
// unless showProgress is false. It returns once the server has confirmed
// the complete call.
func (c *Client) UploadFile(ctx context.Context, env, path string, shouldExtract bool, showProgress bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("uploadclient: failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("uploadclient: failed to stat %s: %w", path, err)
	}

	checksum, uploadID, err := hashFile(f)
	if err != nil {
		return err
	}

	totalChunks := int((info.Size() + ChunkSize - 1) / ChunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	init, err := c.initUpload(ctx, uploadID, totalChunks, info.Name(), env, shouldExtract)
	if err != nil {
		return err
	}

	pending := missingChunks(totalChunks, init.UploadedChunks)
	if init.IsResume {
		log.Printf("[uploadclient] resuming upload %s: %d/%d chunks remain", uploadID, len(pending), totalChunks)
	}

	var bar *pb.ProgressBar
	if showProgress && len(pending) > 0 {
		bar = pb.Full.Start(len(pending))
		defer bar.Finish()
	}

	if err := c.uploadChunks(ctx, f, uploadID, env, pending, bar); err != nil {
		return err
	}

	return c.complete(ctx, uploadID, info.Name(), checksum, env, shouldExtract)
}

func hashFile(f *os.File) (checksum, uploadID string, err error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", "", fmt.Errorf("uploadclient: failed to hash file: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("uploadclient: failed to rewind file: %w", err)
	}
	return sum, sum[:32], nil
}

func missingChunks(total int, present []int) []int {
	have := make(map[int]bool, len(present))
	for _, i := range present {
		have[i] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func (c *Client) initUpload(ctx context.Context, uploadID string, totalChunks int, fileName, env string, shouldExtract bool) (*initResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"uploadId":      uploadID,
		"totalChunks":   totalChunks,
		"fileName":      fileName,
		"env":           env,
		"shouldExtract": shouldExtract,
	})

	var resp initResponse
	if err := c.doJSON(ctx, http.MethodPost, "/upload/init", body, &resp); err != nil {
		return nil, fmt.Errorf("uploadclient: init failed: %w", err)
	}
	return &resp, nil
}

// progressLogger throttles the fallback "N/M chunks uploaded" line printed
// when the progress bar is disabled (--no-progress), so a fast link with
// many small chunks doesn't flood the log with one line per chunk.
var progressLogger = observability.NewThrottledLogger(rate.Limit(2))

// uploadChunks drains pending over a fixed-size worker pool
// (spec.md §4.4 concurrency contract). A chunk that exhausts its retries
// aborts the whole upload; the server-side task is left alone so a
// subsequent run can resume.
func (c *Client) uploadChunks(ctx context.Context, f *os.File, uploadID, env string, pending []int, bar *pb.ProgressBar) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(Workers)

	var done atomic.Int64
	total := int64(len(pending))

	for _, index := range pending {
		index := index
		p.Go(func(ctx context.Context) error {
			if err := c.uploadChunkWithRetry(ctx, f, uploadID, env, index); err != nil {
				return err
			}
			n := done.Add(1)
			if bar != nil {
				bar.Increment()
			} else {
				progressLogger.Printf("[uploadclient] %s: %d/%d chunks uploaded", uploadID, n, total)
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return fmt.Errorf("uploadclient: chunk upload aborted: %w", err)
	}
	return nil
}

func (c *Client) uploadChunkWithRetry(ctx context.Context, f *os.File, uploadID, env string, index int) error {
	data := make([]byte, ChunkSize)
	n, err := f.ReadAt(data, int64(index)*ChunkSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("uploadclient: failed to read chunk %d: %w", index, err)
	}
	data = data[:n]

	sum := md5.Sum(data)
	md5Hex := hex.EncodeToString(sum[:])

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5 // each wait ∈ [0.5, 1.5] * interval
	backoffWithRetries := backoff.WithMaxRetries(bo, maxChunkRetries)

	return backoff.Retry(func() error {
		return c.putChunk(ctx, uploadID, env, index, data, md5Hex)
	}, backoff.WithContext(backoffWithRetries, ctx))
}

func (c *Client) putChunk(ctx context.Context, uploadID, env string, index int, data []byte, md5Hex string) error {
	url := fmt.Sprintf("%s/upload/chunk?uploadId=%s&chunkIndex=%d&env=%s", c.baseURL, uploadID, index, env)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Chunk-MD5", md5Hex)
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err // transient network error, retry
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chunk %d rejected (%d): %s", index, resp.StatusCode, body)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, uploadID, fileName, checksum, env string, shouldExtract bool) error {
	body, _ := json.Marshal(map[string]any{
		"uploadId":      uploadID,
		"fileName":      fileName,
		"checksum":      checksum,
		"env":           env,
		"shouldExtract": shouldExtract,
	})

	var resp map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/upload/complete", body, &resp); err != nil {
		return fmt.Errorf("uploadclient: complete failed: %w", err)
	}
	log.Printf("[uploadclient] upload complete: %v", resp)
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}
