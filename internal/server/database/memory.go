package database

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. The mutex
// plays the role of the database row lock: every method is one critical
// section, so ConsumeMessage keeps the same compare-and-set semantics as the
// Postgres UPDATE ... RETURNING.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	slugs    map[string]string
	groups   map[string]*MessageGroup
	markers  map[string]*MediaCleanupMarker
	usage    UsageDelta
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		slugs:    make(map[string]string),
		groups:   make(map[string]*MessageGroup),
		markers:  make(map[string]*MediaCleanupMarker),
	}
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.MediaFileIDs = append([]string(nil), m.MediaFileIDs...)
	return &c
}

func cloneGroup(g *MessageGroup) *MessageGroup {
	c := *g
	return &c
}

func (s *MemoryStore) checkInsertLocked(m *Message) error {
	if _, exists := s.messages[m.Token]; exists {
		return fmt.Errorf("failed to insert message: token %s already exists", m.Token)
	}
	if m.Slug != nil {
		if _, taken := s.slugs[*m.Slug]; taken {
			return ErrSlugTaken
		}
	}
	return nil
}

func (s *MemoryStore) insertLocked(m *Message) error {
	if err := s.checkInsertLocked(m); err != nil {
		return err
	}
	s.messages[m.Token] = cloneMessage(m)
	if m.Slug != nil {
		s.slugs[*m.Slug] = m.Token
	}
	return nil
}

func (s *MemoryStore) deleteLocked(token string) ([]string, bool) {
	m, ok := s.messages[token]
	if !ok {
		return nil, false
	}
	delete(s.messages, token)
	if m.Slug != nil {
		delete(s.slugs, *m.Slug)
	}
	return m.MediaFileIDs, true
}

func (s *MemoryStore) lookupLocked(id Identifier) (*Message, bool) {
	token := id.Value
	if id.Kind == KindSlug {
		t, ok := s.slugs[id.Value]
		if !ok {
			return nil, false
		}
		token = t
	}
	m, ok := s.messages[token]
	return m, ok
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m)
}

func (s *MemoryStore) CreateGroup(ctx context.Context, g *MessageGroup, siblings []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All siblings are checked up front so a failed group leaves nothing
	// behind, as the Postgres transaction does.
	seen := make(map[string]bool, len(siblings))
	for _, m := range siblings {
		if seen[m.Token] {
			return fmt.Errorf("failed to insert message: token %s already exists", m.Token)
		}
		seen[m.Token] = true
		if err := s.checkInsertLocked(m); err != nil {
			return err
		}
	}

	s.groups[g.GroupID] = cloneGroup(g)
	for _, m := range siblings {
		if err := s.insertLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id Identifier) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.lookupLocked(id)
	if !ok || m.Accessed {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slugs[slug]
	return ok, nil
}

func (s *MemoryStore) IncrementPasswordAttempts(ctx context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[token]
	if !ok || m.Accessed {
		return 0, ErrMessageNotFound
	}
	m.PasswordAttempts++
	return m.PasswordAttempts, nil
}

func (s *MemoryStore) ConsumeMessage(ctx context.Context, id Identifier, now time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.lookupLocked(id)
	if !ok || m.Accessed || m.Expired(now) {
		return nil, ErrMessageNotFound
	}
	m.ViewCount++
	m.Accessed = m.ViewCount >= m.MaxViews
	return cloneMessage(m), nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, token string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, ok := s.deleteLocked(token)
	if !ok {
		return nil, ErrMessageNotFound
	}
	return media, nil
}

func (s *MemoryStore) AppendMediaFile(ctx context.Context, token, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[token]
	if !ok || m.Accessed {
		return ErrMessageNotFound
	}
	m.MediaFileIDs = append(m.MediaFileIDs, fileID)
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, groupID string) (*MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(g), nil
}

func (s *MemoryStore) IncrementGroupAccess(ctx context.Context, groupID string) (*MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	g.AccessedCount++
	return cloneGroup(g), nil
}

func (s *MemoryStore) DeleteGroupCascade(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var media []string
	for token, m := range s.messages {
		if m.GroupID != nil && *m.GroupID == groupID {
			ids, _ := s.deleteLocked(token)
			media = append(media, ids...)
		}
	}
	delete(s.groups, groupID)
	return media, nil
}

func (s *MemoryStore) CreateCleanupMarker(ctx context.Context, marker *MediaCleanupMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.markers[marker.FileID]; ok && existing.DeleteAfter.After(marker.DeleteAfter) {
		return nil
	}
	c := *marker
	s.markers[marker.FileID] = &c
	return nil
}

func (s *MemoryStore) DeleteCleanupMarker(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markers[fileID]; !ok {
		return ErrMarkerNotFound
	}
	delete(s.markers, fileID)
	return nil
}

func (s *MemoryStore) DueCleanupMarkers(ctx context.Context, now time.Time) ([]*MediaCleanupMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*MediaCleanupMarker
	for _, m := range s.markers {
		if !m.DeleteAfter.After(now) {
			c := *m
			due = append(due, &c)
		}
	}
	return due, nil
}

func (s *MemoryStore) DeleteExpiredMessages(ctx context.Context, now time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Message
	for token, m := range s.messages {
		if m.GroupID == nil && m.Expired(now) {
			expired = append(expired, cloneMessage(m))
			s.deleteLocked(token)
		}
	}
	return expired, nil
}

func (s *MemoryStore) ExpiredGroupIDs(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, g := range s.groups {
		if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, delta UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage.MessagesCreated += delta.MessagesCreated
	s.usage.MessagesBurned += delta.MessagesBurned
	s.usage.FilesUploaded += delta.FilesUploaded
	s.usage.BytesUploaded += delta.BytesUploaded
	return nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active int64
	for _, m := range s.messages {
		if !m.Accessed {
			active++
		}
	}
	return &Stats{
		MessagesCreated: s.usage.MessagesCreated,
		MessagesBurned:  s.usage.MessagesBurned,
		ActiveMessages:  active,
		ActiveGroups:    int64(len(s.groups)),
		FilesUploaded:   s.usage.FilesUploaded,
		BytesUploaded:   s.usage.BytesUploaded,
		PendingCleanup:  int64(len(s.markers)),
	}, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
