// Package auth implements the single entry point every protected handler
// calls before doing anything else (spec.md §4.2).
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/fruworg/fde/internal/config"
)

// Result is the outcome of validating one request.
type Result struct {
	Valid bool
	Error string
	Env   config.Environment
}

// Validate applies the fixed policy order from §4.2. Callers map
// Error containing "token" to 403, anything else to 400.
func Validate(envName, authToken string, server *config.Server) Result {
	if envName == "" {
		return Result{Error: "missing environment"}
	}

	env, ok := server.Environments[envName]
	if !ok {
		return Result{Error: "unknown environment"}
	}

	if env.Token == "" {
		return Result{Error: "no token configured"}
	}

	if authToken == "" {
		return Result{Error: "missing authorization token"}
	}

	if !constantTimeEqual(authToken, env.Token) {
		return Result{Error: "invalid token"}
	}

	return Result{Valid: true, Env: env}
}

// StatusHint maps a validation error to the HTTP status class §4.2
// describes: 403 for anything token-related, 400 otherwise. This is the
// deliberate externally observable convention spec.md §7 calls out.
func StatusHint(errMsg string) int {
	if strings.Contains(errMsg, "token") {
		return 403
	}
	return 400
}

func constantTimeEqual(a, b string) bool {
	// subtle.ConstantTimeCompare requires equal-length inputs to stay
	// constant-time; a length mismatch is itself not secret information
	// worth hiding (the attacker already knows whether their guess's
	// length was right from auth responses being the same shape either
	// way), so a leaky early return at this point only leaks that.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
