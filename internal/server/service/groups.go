package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"burnlink/internal/server/database"

	"github.com/google/uuid"
)

// MaxRecipients bounds the number of links a group may fan out to.
const MaxRecipients = 100

// GroupRequest creates recipientCount single-use links over one envelope.
type GroupRequest struct {
	EncryptedData   string `json:"encryptedData"`
	IV              string `json:"iv"`
	Salt            string `json:"salt"`
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

type GroupResult struct {
	GroupID         string      `json:"groupId"`
	RecipientCount  int         `json:"recipientCount"`
	Links           []GroupLink `json:"links"`
	ExpiresAt       *time.Time  `json:"expiresAt"`
	BurnOnFirstView bool        `json:"burnOnFirstView"`
	MaxViews        *int        `json:"maxViews"`
}

// CreateGroup stores the group and all of its siblings together. Each sibling
// has its own token and is independently single-use.
func (s *MessageService) CreateGroup(ctx context.Context, req GroupRequest) (*GroupResult, error) {
	if req.RecipientCount < 1 || req.RecipientCount > MaxRecipients {
		return nil, ErrRecipientCount
	}
	if err := s.validateEnvelope(req.EncryptedData, req.IV, req.Salt); err != nil {
		return nil, err
	}
	if req.MaxViews != nil && *req.MaxViews < 1 {
		return nil, invalid("maxViews must be positive")
	}
	expiresAt, err := s.expiry(req.ExpiresIn)
	if err != nil {
		return nil, err
	}

	now := s.now()
	groupID := uuid.NewString()
	group := &database.MessageGroup{
		GroupID:         groupID,
		TotalLinks:      req.RecipientCount,
		MaxViews:        req.MaxViews,
		BurnOnFirstView: req.BurnOnFirstView,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}

	siblings := make([]*database.Message, 0, req.RecipientCount)
	links := make([]GroupLink, 0, req.RecipientCount)
	for i := 0; i < req.RecipientCount; i++ {
		token, err := newMessageToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		siblings = append(siblings, &database.Message{
			Token:      token,
			Ciphertext: req.EncryptedData,
			IV:         req.IV,
			Salt:       req.Salt,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
			MaxViews:   1,
			GroupID:    &groupID,
		})
		links = append(links, GroupLink{
			RecipientIndex: i,
			Token:          token,
			URL:            s.messageURL(token, nil),
		})
	}

	if err := s.repo.CreateGroup(ctx, group, siblings); err != nil {
		return nil, fmt.Errorf("failed to create message group: %w", err)
	}

	s.addUsage(ctx, database.UsageDelta{MessagesCreated: int64(req.RecipientCount)})

	slog.Info("message group created",
		"group_id", groupID,
		"recipients", req.RecipientCount,
		"burn_on_first_view", req.BurnOnFirstView,
		"max_views", req.MaxViews,
	)

	return &GroupResult{
		GroupID:         groupID,
		RecipientCount:  req.RecipientCount,
		Links:           links,
		ExpiresAt:       expiresAt,
		BurnOnFirstView: req.BurnOnFirstView,
		MaxViews:        req.MaxViews,
	}, nil
}

// OnSiblingAccessed records one sibling consume and, when the group reaches
// a burn condition, deletes every remaining sibling and the group itself.
// Only call it after the sibling's own consume has succeeded. It reports
// whether this call burned the group.
func (s *MessageService) OnSiblingAccessed(ctx context.Context, groupID string) (bool, error) {
	group, err := s.repo.IncrementGroupAccess(ctx, groupID)
	if err != nil {
		if errors.Is(err, database.ErrGroupNotFound) {
			// Already cascaded by a concurrent sibling.
			return false, nil
		}
		return false, fmt.Errorf("failed to increment group access: %w", err)
	}
	if !group.ShouldBurn() {
		return false, nil
	}

	media, err := s.repo.DeleteGroupCascade(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("failed to burn message group: %w", err)
	}
	marked := s.markMedia(ctx, media, s.now())

	slog.Info("message group burned",
		"group_id", groupID,
		"accessed_count", group.AccessedCount,
		"marked_media", marked,
	)
	return true, nil
}
