package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("message not found or already burned")
	ErrExpired      = errors.New("message has expired")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("access denied")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrExpired:
		return e.StatusCode == http.StatusGone
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

type CreateMessageRequest struct {
	WireEnvelope
	ExpiresIn            *int64 `json:"expiresIn,omitempty"`
	CustomSlug           string `json:"customSlug,omitempty"`
	MaxViews             *int   `json:"maxViews,omitempty"`
	MaxPasswordAttempts  *int   `json:"maxPasswordAttempts,omitempty"`
	RequireGeoMatch      bool   `json:"requireGeoMatch,omitempty"`
	AutoBurnOnSuspicious bool   `json:"autoBurnOnSuspicious,omitempty"`
	Require2FA           bool   `json:"require2FA,omitempty"`
}

type TOTPSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

type CreateMessageResponse struct {
	Token        string     `json:"token"`
	CreatorToken string     `json:"creatorToken"`
	Slug         *string    `json:"slug,omitempty"`
	URL          string     `json:"url"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	TOTP         *TOTPSetup `json:"totp,omitempty"`
}

type MessageResponse struct {
	WireEnvelope
	MediaFiles        []string   `json:"mediaFiles"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         *time.Time `json:"expiresAt"`
	TOTPRequired      bool       `json:"totpRequired"`
	ViewsRemaining    int        `json:"viewsRemaining"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
	GroupID           *string    `json:"groupId,omitempty"`
}

type ConsumeResponse struct {
	Success        bool `json:"success"`
	Burned         bool `json:"burned"`
	ViewsRemaining int  `json:"viewsRemaining"`
	GroupBurned    bool `json:"groupBurned,omitempty"`
}

type StatusResponse struct {
	Status    string     `json:"status"`
	ViewCount int        `json:"viewCount"`
	MaxViews  int        `json:"maxViews"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type CreateGroupRequest struct {
	WireEnvelope
	ExpiresIn       *int64 `json:"expiresIn,omitempty"`
	RecipientCount  int    `json:"recipientCount"`
	MaxViews        *int   `json:"maxViews,omitempty"`
	BurnOnFirstView bool   `json:"burnOnFirstView,omitempty"`
}

type GroupLink struct {
	RecipientIndex int    `json:"recipientIndex"`
	Token          string `json:"token"`
	URL            string `json:"url"`
}

type CreateGroupResponse struct {
	GroupID        string      `json:"groupId"`
	RecipientCount int         `json:"recipientCount"`
	Links          []GroupLink `json:"links"`
	ExpiresAt      *time.Time  `json:"expiresAt"`
}

type InitUploadRequest struct {
	FileName     string `json:"fileName"`
	FileType     string `json:"fileType"`
	FileSize     int64  `json:"fileSize"`
	IV           string `json:"iv"`
	Salt         string `json:"salt"`
	MessageToken string `json:"messageToken"`
}

type InitUploadResponse struct {
	FileID      string `json:"fileId"`
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type UploadedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

type CompleteUploadRequest struct {
	UploadID     string         `json:"uploadId"`
	Parts        []UploadedPart `json:"parts"`
	FileName     string         `json:"fileName"`
	MessageToken string         `json:"messageToken"`
	FileSize     int64          `json:"fileSize"`
}

// DownloadedFile is an attachment as returned by the server, still encrypted.
type DownloadedFile struct {
	FileName     string
	FileType     string
	MessageToken string
	Envelope     *Envelope
}

type bufferedDownload struct {
	WireEnvelope
	Data     string `json:"data"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
}

// Client talks to a burnlink server. It never sees plaintext; callers
// encrypt before sending and decrypt after receiving.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*CreateMessageResponse, error) {
	var out CreateMessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessage reads the envelope without burning it.
func (c *Client) FetchMessage(ctx context.Context, id string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConsumeMessage(ctx context.Context, id string) (*ConsumeResponse, error) {
	var out ConsumeResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyTOTP(ctx context.Context, id, code string) error {
	body := map[string]string{"code": code}
	return c.doJSON(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/totp", "", body, nil)
}

func (c *Client) MessageStatus(ctx context.Context, id, creatorToken string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id)+"/status", creatorToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevokeMessage(ctx context.Context, id, creatorToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/revoke", creatorToken, nil, nil)
}

func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*CreateGroupResponse, error) {
	var out CreateGroupResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/groups", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadSingle sends a whole attachment as one multipart form and returns
// its file id.
func (c *Client) UploadSingle(ctx context.Context, att *Attachment, messageToken string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	wire := att.Envelope.EncodeWire()
	fields := map[string]string{
		"fileName":     att.FileName,
		"fileType":     att.FileType,
		"iv":           wire.IV,
		"salt":         wire.Salt,
		"messageToken": messageToken,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	part, err := mw.CreateFormFile("file", att.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(att.Envelope.Ciphertext); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		FileID string `json:"fileId"`
	}
	if err := c.send(httpReq, &out); err != nil {
		return "", err
	}
	return out.FileID, nil
}

func (c *Client) InitUpload(ctx context.Context, req InitUploadRequest) (*InitUploadResponse, error) {
	var out InitUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads/init", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunk sends one zero-based chunk and returns the part the server
// recorded for it.
func (c *Client) UploadChunk(ctx context.Context, fileID, uploadID string, index int, data []byte) (*UploadedPart, error) {
	u := fmt.Sprintf("%s/api/uploads/%s/chunks/%d?uploadId=%s",
		c.baseURL, url.PathEscape(fileID), index, url.QueryEscape(uploadID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	var out UploadedPart
	if err := c.send(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteUpload(ctx context.Context, fileID string, req CompleteUploadRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/uploads/"+url.PathEscape(fileID)+"/complete", "", req, nil)
}

// DownloadFile fetches an attachment. Large files arrive as a raw stream
// with metadata in headers, small ones as a JSON body.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (*DownloadedFile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body bufferedDownload
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode download: %w", err)
		}
		body.EncryptedData = body.Data
		env, err := DecodeWire(body.WireEnvelope)
		if err != nil {
			return nil, err
		}
		return &DownloadedFile{FileName: body.FileName, FileType: body.FileType, Envelope: env}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("short download: got %d of %d bytes", len(data), resp.ContentLength)
	}

	env, err := DecodeWire(WireEnvelope{
		EncryptedData: base64.StdEncoding.EncodeToString(data),
		IV:            resp.Header.Get("X-File-IV"),
		Salt:          resp.Header.Get("X-File-Salt"),
	})
	if err != nil {
		return nil, err
	}
	return &DownloadedFile{
		FileName:     resp.Header.Get("X-File-Name"),
		FileType:     resp.Header.Get("X-File-Type"),
		MessageToken: resp.Header.Get("X-Message-Token"),
		Envelope:     env,
	}, nil
}

func (c *Client) ConfirmDownload(ctx context.Context, fileID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/files/"+url.PathEscape(fileID)+"/confirm", "", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.send(httpReq, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
