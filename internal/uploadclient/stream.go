package uploadclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fruworg/fde/internal/deploy"
)

// maxReconnectAttempts bounds the SSE reconnect loop (spec.md §4.6.5)
// before the client falls back to polling /deploy/status for the result.
const maxReconnectAttempts = 5

// StreamDeploy drives a streamed deploy to completion, printing each
// output line as it arrives and reconnecting with Last-Event-ID on
// dropped connections. It returns the terminal result, synthesizing one
// from /deploy/status if every reconnect attempt is exhausted.
func (c *Client) StreamDeploy(ctx context.Context, env string, onLine func(stream, line string)) (deploy.TerminalData, error) {
	var lastEventID uint64
	var haveLastEventID bool

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		term, done, err := c.streamOnce(ctx, env, lastEventID, haveLastEventID, onLine, &lastEventID, &haveLastEventID)
		if done {
			return term, err
		}
		if err != nil {
			log.Printf("[uploadclient] deploy stream dropped (attempt %d/%d): %v", attempt+1, maxReconnectAttempts, err)
		}

		select {
		case <-ctx.Done():
			return deploy.TerminalData{}, ctx.Err()
		case <-time.After(reconnectDelay(attempt)):
		}
	}

	log.Printf("[uploadclient] giving up reconnecting, falling back to status poll")
	return c.pollDeployStatus(ctx, env)
}

// reconnectDelay is exponential from 1s, capped at 10s, plus a jitter of
// up to 500ms (spec.md §4.6.5). The chunk-upload retry shares the 1s start
// and 10s cap but randomizes each wait by ±50% instead.
func reconnectDelay(attempt int) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	return base + jitter
}

// streamOnce opens one SSE connection and reads frames until the
// connection ends. done is true once a terminal frame (done/error) has
// been observed, in which case err is nil and the deploy outcome is in the
// returned TerminalData; done is also true when the server refuses the
// deploy with 409, in which case err describes the refusal. A false done
// means the connection failed or ended early and may be retried.
func (c *Client) streamOnce(ctx context.Context, env string, lastEventID uint64, haveLastEventID bool, onLine func(stream, line string), outLastID *uint64, outHave *bool) (deploy.TerminalData, bool, error) {
	body, _ := json.Marshal(map[string]any{"env": env, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deploy", strings.NewReader(string(body)))
	if err != nil {
		return deploy.TerminalData{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)
	if haveLastEventID {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return deploy.TerminalData{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return deploy.TerminalData{}, true, fmt.Errorf("deploy already in progress: %v", body["error"])
	}
	if resp.StatusCode != http.StatusOK {
		return deploy.TerminalData{}, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return scanFrames(resp, onLine, outLastID, outHave)
}

func scanFrames(resp *http.Response, onLine func(stream, line string), outLastID *uint64, outHave *bool) (deploy.TerminalData, bool, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var id uint64
	var event string
	var data strings.Builder

	flush := func() (deploy.TerminalData, bool, bool) {
		if event == "" {
			return deploy.TerminalData{}, false, false
		}
		*outLastID = id
		*outHave = true

		switch event {
		case "output":
			var out deploy.OutputData
			if err := json.Unmarshal([]byte(data.String()), &out); err == nil && onLine != nil {
				onLine(out.Type, out.Data)
			}
		case "done", "error":
			var term deploy.TerminalData
			_ = json.Unmarshal([]byte(data.String()), &term)
			return term, true, true
		}
		return deploy.TerminalData{}, false, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if term, terminal, _ := flush(); terminal {
				return term, true, nil
			}
			event, data = "", strings.Builder{}
		}
	}

	if err := scanner.Err(); err != nil {
		return deploy.TerminalData{}, false, err
	}
	// Stream ended without a terminal frame: treat as a dropped connection.
	return deploy.TerminalData{}, false, fmt.Errorf("stream ended before a terminal event")
}

func (c *Client) pollDeployStatus(ctx context.Context, env string) (deploy.TerminalData, error) {
	url := fmt.Sprintf("%s/deploy/status?env=%s", c.baseURL, env)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return deploy.TerminalData{}, err
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return deploy.TerminalData{}, fmt.Errorf("uploadclient: status poll failed: %w", err)
	}
	defer resp.Body.Close()

	var snapshot deploy.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return deploy.TerminalData{}, fmt.Errorf("uploadclient: malformed status response: %w", err)
	}
	if snapshot.LastResult == nil {
		return deploy.TerminalData{}, fmt.Errorf("uploadclient: no deploy result available after reconnect exhaustion")
	}
	return deploy.TerminalData{
		Success:  snapshot.LastResult.Success,
		ExitCode: snapshot.LastResult.ExitCode,
		Stdout:   snapshot.LastResult.Stdout,
		Stderr:   snapshot.LastResult.Stderr,
	}, nil
}
