// Package observability holds the small ambient logging helpers shared by
// the server and client binaries: a config dump for --debug startup logs
// and a rate-limited logger for high-frequency progress output.
package observability

import (
	"log"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/time/rate"
)

// DumpConfig logs a full field-by-field dump of cfg, used behind a
// --debug flag at startup (grounded on the teacher's own
// log.Printf("Configuration:\n%s", ...) startup line, swapped to spew so
// unexported fields and nested structs are visible too).
func DumpConfig(label string, cfg any) {
	log.Printf("[config] %s:\n%s", label, spew.Sdump(cfg))
}

// ThrottledLogger emits log lines at a capped rate, dropping anything
// over it. Used for chunk-upload and deploy-output progress lines that
// would otherwise flood the log on a fast link.
type ThrottledLogger struct {
	limiter *rate.Limiter
}

// NewThrottledLogger returns a logger that allows at most perSecond lines
// per second (rate.Limit(5) is one line every 200ms), with a burst of one.
func NewThrottledLogger(perSecond rate.Limit) *ThrottledLogger {
	return &ThrottledLogger{limiter: rate.NewLimiter(perSecond, 1)}
}

// Printf logs format/args only if the rate limiter currently allows it.
func (t *ThrottledLogger) Printf(format string, args ...any) {
	if t.limiter.Allow() {
		log.Printf(format, args...)
	}
}
