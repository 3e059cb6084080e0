package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/service"

	"github.com/labstack/echo/v4"
)

const (
	headerFileName     = "X-File-Name"
	headerFileType     = "X-File-Type"
	headerFileIV       = "X-File-IV"
	headerFileSalt     = "X-File-Salt"
	headerMessageToken = "X-Message-Token"
)

// Handler contains the HTTP handlers for the burnlink API.
type Handler struct {
	messages *service.MessageService
	uploads  *service.UploadCoordinator
	store    database.Store
	cfg      *config.Config
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(messages *service.MessageService, uploads *service.UploadCoordinator, store database.Store, cfg *config.Config) *Handler {
	return &Handler{messages: messages, uploads: uploads, store: store, cfg: cfg}
}

// HandleCreateMessage handles POST /api/messages.
func (h *Handler) HandleCreateMessage(c echo.Context) error {
	var req service.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.CreatorCountry = viewerCountry(c)

	result, err := h.messages.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleFetchMessage handles GET /api/messages/:id.
// Returns the envelope without burning the message.
func (h *Handler) HandleFetchMessage(c echo.Context) error {
	id := database.ParseIdentifier(c.Param("id"))

	result, err := h.messages.Fetch(c.Request().Context(), id, service.FetchOptions{
		Country: viewerCountry(c),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleConsumeMessage handles DELETE /api/messages/:id.
// Only one caller ever receives success for a single-view message.
func (h *Handler) HandleConsumeMessage(c echo.Context) error {
	id := database.ParseIdentifier(c.Param("id"))

	result, err := h.messages.Consume(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleVerifyTOTP handles POST /api/messages/:id/totp.
func (h *Handler) HandleVerifyTOTP(c echo.Context) error {
	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}

	id := database.ParseIdentifier(c.Param("id"))
	if err := h.messages.VerifyTOTP(c.Request().Context(), id, body.Code); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleMessageStatus handles GET /api/messages/:id/status.
// Requires the creator token as a bearer credential.
func (h *Handler) HandleMessageStatus(c echo.Context) error {
	id := database.ParseIdentifier(c.Param("id"))

	result, err := h.messages.Status(c.Request().Context(), id, bearerToken(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleRevokeMessage handles POST /api/messages/:id/revoke.
func (h *Handler) HandleRevokeMessage(c echo.Context) error {
	id := database.ParseIdentifier(c.Param("id"))

	if err := h.messages.Revoke(c.Request().Context(), id, bearerToken(c)); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleCreateGroup handles POST /api/groups.
func (h *Handler) HandleCreateGroup(c echo.Context) error {
	var req service.GroupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	result, err := h.messages.CreateGroup(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleUpload handles POST /api/uploads.
// Accepts a multipart form with a "file" field plus iv, salt and messageToken.
func (h *Handler) HandleUpload(c echo.Context) error {
	// Read the uploaded file from the multipart form
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	fileName := c.FormValue("fileName")
	if fileName == "" {
		fileName = fileHeader.Filename
	}

	result, err := h.uploads.UploadSingle(c.Request().Context(), service.SingleRequest{
		FileName:     fileName,
		FileType:     c.FormValue("fileType"),
		IV:           c.FormValue("iv"),
		Salt:         c.FormValue("salt"),
		MessageToken: c.FormValue("messageToken"),
		Size:         fileHeader.Size,
		Body:         src,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleUploadInit handles POST /api/uploads/init.
func (h *Handler) HandleUploadInit(c echo.Context) error {
	var req service.InitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	result, err := h.uploads.Init(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleUploadChunk handles PUT /api/uploads/:fileId/chunks/:index?uploadId=.
// The request body is the raw chunk.
func (h *Handler) HandleUploadChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chunk index must be an integer"})
	}

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, h.cfg.ChunkSize+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "failed to read chunk"})
	}

	result, err := h.uploads.UploadChunk(c.Request().Context(), service.ChunkRequest{
		FileID:     c.Param("fileId"),
		UploadID:   c.QueryParam("uploadId"),
		ChunkIndex: index,
		Data:       data,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleUploadComplete handles POST /api/uploads/:fileId/complete.
func (h *Handler) HandleUploadComplete(c echo.Context) error {
	var req service.CompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.FileID = c.Param("fileId")

	result, err := h.uploads.Complete(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleDownload handles GET /api/files/:fileId.
// Large files stream with metadata in headers; small ones come back as JSON.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.uploads.Open(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return mapServiceError(c, err)
	}

	if dl.Stream {
		defer dl.Body.Close()
		header := c.Response().Header()
		header.Set(headerFileName, dl.FileName)
		header.Set(headerFileType, dl.FileType)
		header.Set(headerFileIV, dl.IV)
		header.Set(headerFileSalt, dl.Salt)
		header.Set(headerMessageToken, dl.MessageToken)
		header.Set(echo.HeaderContentLength, strconv.FormatInt(dl.Size, 10))
		return c.Stream(http.StatusOK, echo.MIMEOctetStream, dl.Body)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"data":     base64.StdEncoding.EncodeToString(dl.Data),
		"iv":       dl.IV,
		"salt":     dl.Salt,
		"fileName": dl.FileName,
		"fileType": dl.FileType,
		"size":     dl.Size,
	})
}

// HandleConfirmDownload handles POST /api/files/:fileId/confirm.
func (h *Handler) HandleConfirmDownload(c echo.Context) error {
	if err := h.uploads.ConfirmDownload(c.Request().Context(), c.Param("fileId")); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.store.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.messages.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"messages_created":     stats.MessagesCreated,
		"messages_burned":      stats.MessagesBurned,
		"active_messages":      stats.ActiveMessages,
		"active_groups":        stats.ActiveGroups,
		"files_uploaded":       stats.FilesUploaded,
		"bytes_uploaded":       stats.BytesUploaded,
		"bytes_uploaded_human": humanizeBytes(stats.BytesUploaded),
		"pending_cleanup":      stats.PendingCleanup,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "message has expired"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrUpload):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
