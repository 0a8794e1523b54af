package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type uploadInitRequest struct {
	UploadID      string `json:"uploadId"`
	TotalChunks   int    `json:"totalChunks"`
	FileName      string `json:"fileName"`
	Checksum      string `json:"checksum"`
	ShouldExtract bool   `json:"shouldExtract"`
	Env           string `json:"env"`
}

func (a *App) handleUploadInit(c echo.Context) error {
	var req uploadInitRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "malformed request body")
	}

	if _, handled, err := a.authenticate(c, req.Env); handled {
		return err
	}

	if req.UploadID == "" || req.TotalChunks < 1 {
		return jsonError(c, http.StatusBadRequest, "uploadId and totalChunks are required")
	}

	uploaded, isResume, err := a.store.Init(req.UploadID, req.TotalChunks, req.FileName, req.Env, req.ShouldExtract)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uploadedChunks": uploaded,
		"totalChunks":    req.TotalChunks,
		"isResume":       isResume,
	})
}

func (a *App) handleUploadChunk(c echo.Context) error {
	uploadID := c.QueryParam("uploadId")
	envName := c.QueryParam("env")
	chunkIndex, convErr := strconv.Atoi(c.QueryParam("chunkIndex"))

	if _, handled, err := a.authenticate(c, envName); handled {
		return err
	}

	if uploadID == "" || convErr != nil {
		return jsonError(c, http.StatusBadRequest, "uploadId and chunkIndex are required")
	}

	md5Hex := c.Request().Header.Get("X-Chunk-MD5")

	index, err := a.store.Chunk(uploadID, chunkIndex, c.Request().Body, md5Hex)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{"chunkIndex": index})
}

type uploadCompleteRequest struct {
	UploadID      string `json:"uploadId"`
	FileName      string `json:"fileName"`
	Checksum      string `json:"checksum"`
	ShouldExtract bool   `json:"shouldExtract"`
	Env           string `json:"env"`
}

func (a *App) handleUploadComplete(c echo.Context) error {
	var req uploadCompleteRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "malformed request body")
	}

	env, handled, err := a.authenticate(c, req.Env)
	if handled {
		return err
	}

	result, err := a.store.Complete(req.UploadID, req.FileName, req.Checksum, req.ShouldExtract, env.UploadPath)
	if err != nil {
		a.recordUpload(req.Env, err.Error(), false)
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	a.recordUpload(req.Env, req.FileName, true)

	return c.JSON(http.StatusOK, map[string]any{
		"fileName":         result.FileName,
		"fileSize":         result.FileSize,
		"checksumVerified": result.ChecksumVerified,
		"extracted":        result.Extracted,
		"uploadPath":       result.UploadPath,
	})
}

func (a *App) handleUploadStatus(c echo.Context) error {
	uploadID := c.QueryParam("uploadId")
	envName := c.QueryParam("env")

	if _, handled, err := a.authenticate(c, envName); handled {
		return err
	}

	status, err := a.store.Status(uploadID)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	resp := map[string]any{"exists": status.Exists}
	if status.Exists {
		resp["uploadedChunks"] = status.UploadedChunks
		resp["totalChunks"] = status.TotalChunks
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) handleUploadCancel(c echo.Context) error {
	uploadID := c.QueryParam("uploadId")
	envName := c.QueryParam("env")

	if _, handled, err := a.authenticate(c, envName); handled {
		return err
	}

	if err := a.store.Cancel(uploadID); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}
