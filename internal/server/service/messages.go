package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/storage"
	"burnlink/internal/server/totp"
)

const (
	DefaultMaxViews = 1
	MaxViewsLimit   = 100
)

// CreateRequest is the envelope plus policy options for a new message.
type CreateRequest struct {
	EncryptedData        string `json:"encryptedData"`
	IV                   string `json:"iv"`
	Salt                 string `json:"salt"`
	ExpiresIn            *int64 `json:"expiresIn,omitempty"` // seconds
	CustomSlug           string `json:"customSlug,omitempty"`
	MaxViews             *int   `json:"maxViews,omitempty"`
	MaxPasswordAttempts  *int   `json:"maxPasswordAttempts,omitempty"`
	RequireGeoMatch      bool   `json:"requireGeoMatch,omitempty"`
	AutoBurnOnSuspicious bool   `json:"autoBurnOnSuspicious,omitempty"`
	Require2FA           bool   `json:"require2FA,omitempty"`

	// CreatorCountry is taken from the request, never from the body.
	CreatorCountry string `json:"-"`
}

// TOTPProvision is returned once, at creation, for 2FA-gated messages.
type TOTPProvision struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// CreateResult is returned after a successful create.
type CreateResult struct {
	Token        string         `json:"token"`
	CreatorToken string         `json:"creatorToken"`
	Slug         *string        `json:"slug,omitempty"`
	URL          string         `json:"url"`
	ExpiresAt    *time.Time     `json:"expiresAt"`
	TOTP         *TOTPProvision `json:"totp,omitempty"`
}

// FetchOptions carries viewer context used by the optional policies.
type FetchOptions struct {
	Country string
}

// FetchResult is the stored envelope and its metadata. Fetching never burns.
type FetchResult struct {
	EncryptedData     string     `json:"encryptedData"`
	IV                string     `json:"iv"`
	Salt              string     `json:"salt"`
	MediaFiles        []string   `json:"mediaFiles"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         *time.Time `json:"expiresAt"`
	TOTPRequired      bool       `json:"totpRequired"`
	ViewsRemaining    int        `json:"viewsRemaining"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
	GroupID           *string    `json:"groupId,omitempty"`
}

// ConsumeResult reports a successful consume.
type ConsumeResult struct {
	Success        bool    `json:"success"`
	Burned         bool    `json:"burned"`
	ViewsRemaining int     `json:"viewsRemaining"`
	GroupBurned    bool    `json:"groupBurned,omitempty"`
	GroupID        *string `json:"groupId,omitempty"`
	MarkedMedia    int     `json:"markedMedia"`
}

// StatusResult is what a creator sees about their message.
type StatusResult struct {
	Status    string     `json:"status"` // pending, expired or burned
	ViewCount int        `json:"viewCount"`
	MaxViews  int        `json:"maxViews"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

const (
	StatusPending = "pending"
	StatusExpired = "expired"
	StatusBurned  = "burned"
)

// MessageService contains the message lifecycle: create, fetch, consume and
// the group burn propagation that follows a consume.
type MessageService struct {
	repo    database.Store
	blobs   storage.BlobStore
	cfg     *config.Config
	creator *CreatorTokens
	now     func() time.Time
}

// NewMessageService creates a new message service.
func NewMessageService(repo database.Store, blobs storage.BlobStore, cfg *config.Config) *MessageService {
	return &MessageService{
		repo:    repo,
		blobs:   blobs,
		cfg:     cfg,
		creator: NewCreatorTokens(cfg.CreatorSecret),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the request and stores a new unaccessed message.
func (s *MessageService) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.validateEnvelope(req.EncryptedData, req.IV, req.Salt); err != nil {
		return nil, err
	}
	expiresAt, err := s.expiry(req.ExpiresIn)
	if err != nil {
		return nil, err
	}

	maxViews := DefaultMaxViews
	if req.MaxViews != nil {
		if *req.MaxViews < 1 || *req.MaxViews > MaxViewsLimit {
			return nil, invalid("maxViews must be between 1 and %d", MaxViewsLimit)
		}
		maxViews = *req.MaxViews
	}
	if req.MaxPasswordAttempts != nil && *req.MaxPasswordAttempts < 1 {
		return nil, invalid("maxPasswordAttempts must be positive")
	}

	var slug *string
	if req.CustomSlug != "" {
		if err := ValidateSlug(req.CustomSlug); err != nil {
			return nil, err
		}
		taken, err := s.repo.SlugExists(ctx, req.CustomSlug)
		if err != nil {
			return nil, fmt.Errorf("failed to check slug: %w", err)
		}
		if taken {
			return nil, ErrSlugTaken
		}
		slug = &req.CustomSlug
	}

	token, err := newMessageToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := s.now()
	m := &database.Message{
		Token:                token,
		Slug:                 slug,
		Ciphertext:           req.EncryptedData,
		IV:                   req.IV,
		Salt:                 req.Salt,
		CreatedAt:            now,
		ExpiresAt:            expiresAt,
		MaxViews:             maxViews,
		MaxPasswordAttempts:  req.MaxPasswordAttempts,
		RequireGeoMatch:      req.RequireGeoMatch,
		AutoBurnOnSuspicious: req.AutoBurnOnSuspicious,
		Require2FA:           req.Require2FA,
	}
	if req.CreatorCountry != "" {
		country := strings.ToUpper(req.CreatorCountry)
		m.CreatorCountry = &country
	}

	var provision *TOTPProvision
	if req.Require2FA {
		account := token[:8]
		if slug != nil {
			account = *slug
		}
		key, err := totp.Generate(s.cfg.TOTPIssuer, account)
		if err != nil {
			return nil, err
		}
		m.TOTPSecret = &key.Secret
		provision = &TOTPProvision{Secret: key.Secret, URI: key.URI}
	}

	if err := s.repo.CreateMessage(ctx, m); err != nil {
		if errors.Is(err, database.ErrSlugTaken) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	creatorToken, err := s.creator.Issue(token, now, expiresAt)
	if err != nil {
		return nil, err
	}

	s.addUsage(ctx, database.UsageDelta{MessagesCreated: 1})

	slog.Info("message created",
		"message_token", token,
		"slug", req.CustomSlug,
		"max_views", maxViews,
		"expires_at", expiresAt,
		"require_2fa", req.Require2FA,
	)

	return &CreateResult{
		Token:        token,
		CreatorToken: creatorToken,
		Slug:         slug,
		URL:          s.messageURL(token, slug),
		ExpiresAt:    expiresAt,
		TOTP:         provision,
	}, nil
}

// Fetch returns the envelope without burning it. An expired message is
// destroyed and reported as ErrExpired; the next fetch sees ErrNotFound.
func (s *MessageService) Fetch(ctx context.Context, id database.Identifier, opts FetchOptions) (*FetchResult, error) {
	m, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.Expired(s.now()) {
		s.destroy(ctx, m, "expired")
		return nil, ErrExpired
	}

	if m.RequireGeoMatch && m.CreatorCountry != nil && !strings.EqualFold(opts.Country, *m.CreatorCountry) {
		slog.Warn("viewer location mismatch",
			"message_token", m.Token,
			"creator_country", *m.CreatorCountry,
			"viewer_country", opts.Country,
		)
		if m.AutoBurnOnSuspicious {
			s.destroy(ctx, m, "geo mismatch")
		}
		return nil, ErrGeoMismatch
	}

	if m.MaxPasswordAttempts != nil && m.PasswordAttempts >= *m.MaxPasswordAttempts {
		s.destroy(ctx, m, "attempts exceeded")
		return nil, ErrAttemptsExceeded
	}

	// Counted on every fetch, including the one that precedes a successful consume.
	attempts, err := s.repo.IncrementPasswordAttempts(ctx, m.Token)
	if err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	result := &FetchResult{
		EncryptedData:  m.Ciphertext,
		IV:             m.IV,
		Salt:           m.Salt,
		MediaFiles:     m.MediaFileIDs,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		TOTPRequired:   m.TOTPSecret != nil,
		ViewsRemaining: m.MaxViews - m.ViewCount,
		GroupID:        m.GroupID,
	}
	if result.MediaFiles == nil {
		result.MediaFiles = []string{}
	}
	if m.MaxPasswordAttempts != nil {
		remaining := *m.MaxPasswordAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		result.AttemptsRemaining = &remaining
	}
	return result, nil
}

// Consume counts one view with a single conditional write. Exactly one of any
// number of concurrent callers on a single-view message succeeds; the rest
// get ErrNotFound. The final view deletes the row, schedules its attachments
// for deletion after the grace window and, for group members, runs the
// group's burn check.
func (s *MessageService) Consume(ctx context.Context, id database.Identifier) (*ConsumeResult, error) {
	now := s.now()
	m, err := s.repo.ConsumeMessage(ctx, id, now)
	if err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}

	result := &ConsumeResult{
		Success:        true,
		ViewsRemaining: m.MaxViews - m.ViewCount,
	}
	if !m.Accessed {
		slog.Info("message viewed", "message_token", m.Token, "view_count", m.ViewCount, "max_views", m.MaxViews)
		return result, nil
	}

	result.Burned = true
	if _, err := s.repo.DeleteMessage(ctx, m.Token); err != nil && !errors.Is(err, database.ErrMessageNotFound) {
		slog.Error("failed to delete consumed message", "message_token", m.Token, "error", err)
	}
	result.MarkedMedia = s.markMedia(ctx, m.MediaFileIDs, now)
	s.addUsage(ctx, database.UsageDelta{MessagesBurned: 1})

	slog.Info("message burned", "message_token", m.Token, "marked_media", result.MarkedMedia)

	if m.GroupID != nil {
		result.GroupID = m.GroupID
		burned, err := s.OnSiblingAccessed(ctx, *m.GroupID)
		if err != nil {
			slog.Error("failed to update message group", "group_id", *m.GroupID, "error", err)
		}
		result.GroupBurned = burned
	}
	return result, nil
}

// VerifyTOTP checks a code against the message's secret. Verification is
// stateless; a code stays valid for its whole window.
func (s *MessageService) VerifyTOTP(ctx context.Context, id database.Identifier, code string) error {
	m, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if m.Expired(now) {
		s.destroy(ctx, m, "expired")
		return ErrExpired
	}
	if m.TOTPSecret == nil {
		return invalid("message does not require a verification code")
	}
	if !totp.Verify(code, *m.TOTPSecret, now, totp.DefaultWindow) {
		return ErrInvalidCode
	}
	return nil
}

// Status reports the message's state to the holder of its creator token.
func (s *MessageService) Status(ctx context.Context, id database.Identifier, creatorToken string) (*StatusResult, error) {
	m, err := s.authorizeCreator(ctx, id, creatorToken)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &StatusResult{Status: StatusBurned}, nil
	}

	status := StatusPending
	if m.Expired(s.now()) {
		status = StatusExpired
	}
	return &StatusResult{
		Status:    status,
		ViewCount: m.ViewCount,
		MaxViews:  m.MaxViews,
		ExpiresAt: m.ExpiresAt,
	}, nil
}

// Revoke burns the message early on behalf of its creator. Revoking an
// already-burned message succeeds.
func (s *MessageService) Revoke(ctx context.Context, id database.Identifier, creatorToken string) error {
	m, err := s.authorizeCreator(ctx, id, creatorToken)
	if err != nil {
		return err
	}
	if m != nil {
		s.destroy(ctx, m, "revoked")
	}
	return nil
}

// GetStats returns aggregate server statistics.
func (s *MessageService) GetStats(ctx context.Context) (*database.Stats, error) {
	return s.repo.GetStats(ctx)
}

// authorizeCreator checks the creator token against id. It returns a nil
// message when the message no longer exists.
func (s *MessageService) authorizeCreator(ctx context.Context, id database.Identifier, creatorToken string) (*database.Message, error) {
	subject, err := s.creator.Subject(creatorToken)
	if err != nil {
		return nil, err
	}
	if id.Kind == database.KindToken && id.Value != subject {
		return nil, ErrInvalidCreator
	}

	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if m.Token != subject {
		return nil, ErrInvalidCreator
	}
	return m, nil
}

func (s *MessageService) lookup(ctx context.Context, id database.Identifier) (*database.Message, error) {
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// destroy removes a message outside the consume path and deletes its
// attachments immediately, since no recipient can be downloading them.
func (s *MessageService) destroy(ctx context.Context, m *database.Message, reason string) {
	media, err := s.repo.DeleteMessage(ctx, m.Token)
	if err != nil {
		if !errors.Is(err, database.ErrMessageNotFound) {
			slog.Error("failed to delete message", "message_token", m.Token, "reason", reason, "error", err)
		}
		return
	}
	for _, fileID := range media {
		if err := s.blobs.Delete(ctx, fileID); err != nil {
			slog.Error("failed to delete file", "file_id", fileID, "message_token", m.Token, "error", err)
		}
	}
	s.addUsage(ctx, database.UsageDelta{MessagesBurned: 1})
	slog.Info("message destroyed", "message_token", m.Token, "reason", reason, "media", len(media))
}

// markMedia schedules attachment deletion after the grace window. Failures
// are logged and skipped.
func (s *MessageService) markMedia(ctx context.Context, fileIDs []string, now time.Time) int {
	marked := 0
	for _, fileID := range fileIDs {
		err := s.repo.CreateCleanupMarker(ctx, &database.MediaCleanupMarker{
			FileID:      fileID,
			DeleteAfter: now.Add(s.cfg.MediaGraceWindow),
			MarkedAt:    now,
		})
		if err != nil {
			slog.Error("failed to create cleanup marker", "file_id", fileID, "error", err)
			continue
		}
		marked++
	}
	return marked
}

func (s *MessageService) addUsage(ctx context.Context, delta database.UsageDelta) {
	if err := s.repo.AddUsage(ctx, delta); err != nil {
		slog.Error("failed to update usage counters", "error", err)
	}
}

func (s *MessageService) validateEnvelope(ciphertext, iv, salt string) error {
	fields := []struct {
		name, value string
	}{
		{"encryptedData", ciphertext},
		{"iv", iv},
		{"salt", salt},
	}
	for _, f := range fields {
		if f.value == "" {
			return invalid("%s is required", f.name)
		}
		if _, err := base64.StdEncoding.DecodeString(f.value); err != nil {
			return invalid("%s must be base64", f.name)
		}
	}
	if int64(len(ciphertext)) > s.cfg.MaxMessageBytes {
		return invalid("encryptedData exceeds %d bytes", s.cfg.MaxMessageBytes)
	}
	return nil
}

// expiry resolves expiresIn seconds into an absolute deadline. Omitted uses
// the configured default, where zero means never.
func (s *MessageService) expiry(expiresIn *int64) (*time.Time, error) {
	d := s.cfg.DefaultExpiry
	if expiresIn != nil {
		if *expiresIn <= 0 {
			return nil, invalid("expiresIn must be positive")
		}
		if s.cfg.MaxExpiry > 0 && *expiresIn > int64(s.cfg.MaxExpiry/time.Second) {
			return nil, invalid("expiresIn exceeds maximum of %s", s.cfg.MaxExpiry)
		}
		d = time.Duration(*expiresIn) * time.Second
	}
	if d <= 0 {
		return nil, nil
	}
	t := s.now().Add(d)
	return &t, nil
}

func (s *MessageService) messageURL(token string, slug *string) string {
	if slug != nil {
		return fmt.Sprintf("%s/m/%s", s.cfg.BaseURL, *slug)
	}
	return fmt.Sprintf("%s/m/%s", s.cfg.BaseURL, token)
}
