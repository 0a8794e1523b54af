package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fruworg/fde/internal/chunkstore"
)

func (a *App) handlePing(c echo.Context) error {
	return c.String(http.StatusOK, "pong")
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *App) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Uptime:    time.Since(a.startedAt).String(),
		Version:   Version,
		Timestamp: time.Now(),
	})
}

type verifyRequest struct {
	Env string `json:"env"`
}

func (a *App) handleVerify(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "malformed request body")
	}

	_, handled, err := a.authenticate(c, req.Env)
	if handled {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true, "env": req.Env})
}

type uploadResponse struct {
	FileName         string `json:"fileName"`
	FileSize         int64  `json:"fileSize"`
	ChecksumVerified bool   `json:"checksumVerified"`
	Extracted        bool   `json:"extracted"`
	UploadPath       string `json:"uploadPath"`
}

// handleUpload is the small-file alternative to the chunked flow
// (spec.md §4.7): the whole file arrives in one multipart request.
func (a *App) handleUpload(c echo.Context) error {
	envName := c.FormValue("env")
	env, handled, err := a.authenticate(c, envName)
	if handled {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "missing file field")
	}

	checksum := c.FormValue("checksum")
	shouldExtract := c.FormValue("shouldExtract") == "true"

	src, err := fileHeader.Open()
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "failed to read uploaded file")
	}
	defer src.Close()

	result, err := chunkstore.SaveWholeFile(src, fileHeader.Filename, checksum, shouldExtract, env.UploadPath)
	if err != nil {
		a.recordUpload(envName, err.Error(), false)
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	a.recordUpload(envName, fileHeader.Filename, true)

	return c.JSON(http.StatusOK, uploadResponse{
		FileName:         result.FileName,
		FileSize:         result.FileSize,
		ChecksumVerified: result.ChecksumVerified,
		Extracted:        result.Extracted,
		UploadPath:       result.UploadPath,
	})
}

func (a *App) recordUpload(env, detail string, success bool) {
	if a.auditLog == nil {
		return
	}
	if err := a.auditLog.RecordUpload(env, detail, success); err != nil {
		// Observability-only: never fails the request over a logging error.
		_ = err
	}
}
