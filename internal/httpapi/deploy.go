package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fruworg/fde/internal/audit"
	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/deploy"
)

type deployRequest struct {
	Env    string `json:"env"`
	Stream bool   `json:"stream"`
}

// handleDeploy implements the full dispatch table from spec.md §4.6.1:
// synchronous JSON, fresh streamed, or resumed streamed, chosen by the
// stream flag and the presence of Last-Event-ID.
func (a *App) handleDeploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "malformed request body")
	}

	env, handled, err := a.authenticate(c, req.Env)
	if handled {
		return err
	}
	if env.DeployCommand == "" {
		return jsonError(c, http.StatusBadRequest, "environment has no deploy command configured")
	}

	lastEventHeader := c.Request().Header.Get("Last-Event-ID")

	if !req.Stream {
		return a.runSyncDeploy(c, req.Env, env)
	}
	if lastEventHeader == "" {
		return a.runFreshStreamedDeploy(c, req.Env, env)
	}

	lastID, convErr := strconv.ParseUint(lastEventHeader, 10, 64)
	if convErr != nil {
		return jsonError(c, http.StatusBadRequest, "malformed Last-Event-ID header")
	}
	return a.resumeStreamedDeploy(c, req.Env, lastID)
}

func (a *App) sshConfig() deploy.SSHConfig {
	return deploy.SSHConfig{
		Host:    a.serverCfg.SSHHost,
		User:    a.serverCfg.SSHUser,
		Port:    a.serverCfg.SSHPort,
		KeyPath: config.ContainerSSHKeyPath,
	}
}

func (a *App) runSyncDeploy(c echo.Context, envName string, env config.Environment) error {
	result := a.executor.RunSync(c.Request().Context(), env, env.UploadPath, a.serverCfg.PathCtx, a.sshConfig())
	a.recordDeploy(envName, result)

	if result.Error != "" || !result.Success {
		return c.JSON(http.StatusInternalServerError, result)
	}
	return c.JSON(http.StatusOK, result)
}

// runFreshStreamedDeploy checks the gate BEFORE writing any response
// bytes, so a gated (409) deploy still gets a plain JSON body rather than
// a half-opened event-stream response (spec.md §4.6.1).
func (a *App) runFreshStreamedDeploy(c echo.Context, envName string, env config.Environment) error {
	gated, reason := a.executor.TryStart(envName)
	if !gated {
		return jsonError(c, http.StatusConflict, reason)
	}

	w, flusher := openSSE(c)
	a.executor.RunGated(envName, env, env.UploadPath, a.serverCfg.PathCtx, a.sshConfig(), func(ev deploy.Event) {
		writeFrame(w, flusher, ev)
		a.recordDeployIfTerminal(envName, ev)
	})
	return nil
}

func (a *App) resumeStreamedDeploy(c echo.Context, envName string, lastID uint64) error {
	w, flusher := openSSE(c)

	stopped := func() bool {
		select {
		case <-c.Request().Context().Done():
			return true
		default:
			return false
		}
	}

	a.executor.Resume(envName, lastID, func(ev deploy.Event) {
		writeFrame(w, flusher, ev)
	}, stopped)
	return nil
}

// recordDeployIfTerminal writes one audit row once the deploy's terminal
// event (done/error) is emitted, reading the outcome straight off the
// event payload rather than re-querying executor state.
func (a *App) recordDeployIfTerminal(envName string, ev deploy.Event) {
	if a.auditLog == nil || (ev.Event != "done" && ev.Event != "error") {
		return
	}
	term, ok := ev.Data.(deploy.TerminalData)
	if !ok {
		return
	}
	if err := a.auditLog.RecordDeploy(audit.DeployEntry{
		Env:      envName,
		Success:  term.Success,
		ExitCode: term.ExitCode,
	}); err != nil {
		_ = err // observability-only, never fails the deploy
	}
}

func (a *App) recordDeploy(envName string, result deploy.TerminalData) {
	if a.auditLog == nil {
		return
	}
	if err := a.auditLog.RecordDeploy(audit.DeployEntry{
		Env:      envName,
		Success:  result.Success,
		ExitCode: result.ExitCode,
	}); err != nil {
		_ = err
	}
}

type flusher interface {
	Flush()
}

// openSSE writes the text/event-stream response headers; the caller
// already committed to streaming (gate passed, or this is a resume).
func openSSE(c echo.Context) (w interface{ Write([]byte) (int, error) }, f flusher) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if fl, ok := any(res.Writer).(flusher); ok {
		f = fl
	}
	return res.Writer, f
}

func writeFrame(w interface{ Write([]byte) (int, error) }, f flusher, ev deploy.Event) {
	frame, err := deploy.Frame(ev)
	if err != nil {
		return
	}
	w.Write(frame)
	if f != nil {
		f.Flush()
	}
}

func (a *App) handleDeployStatus(c echo.Context) error {
	envName := c.QueryParam("env")
	if _, handled, err := a.authenticate(c, envName); handled {
		return err
	}
	return c.JSON(http.StatusOK, a.executor.Status(envName))
}
