package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMessage(token string) *Message {
	return &Message{
		Token:      token,
		Ciphertext: "Y2lwaGVy",
		IV:         "aXY=",
		Salt:       "c2FsdA==",
		CreatedAt:  time.Now().UTC(),
		MaxViews:   1,
	}
}

func TestMemoryStore_ConsumeIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateMessage(ctx, newTestMessage("tok")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeMessage(ctx, Token("tok"), time.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrMessageNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || misses.Load() != 49 {
		t.Errorf("expected 1 success and 49 not found, got %d and %d", wins.Load(), misses.Load())
	}
}

func TestMemoryStore_ConsumeHonoursMaxViews(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newTestMessage("tok")
	m.MaxViews = 2
	store.CreateMessage(ctx, m)

	first, err := store.ConsumeMessage(ctx, Token("tok"), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Accessed {
		t.Error("first view should not flip accessed")
	}

	second, err := store.ConsumeMessage(ctx, Token("tok"), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Accessed {
		t.Error("second view should flip accessed")
	}

	if _, err := store.ConsumeMessage(ctx, Token("tok"), time.Now()); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMemoryStore_ConsumeRejectsExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newTestMessage("tok")
	past := time.Now().Add(-time.Minute)
	m.ExpiresAt = &past
	store.CreateMessage(ctx, m)

	if _, err := store.ConsumeMessage(ctx, Token("tok"), time.Now()); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMemoryStore_SlugLookupAndUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	slug := "launch-codes"
	m := newTestMessage("tok1")
	m.Slug = &slug
	if err := store.CreateMessage(ctx, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := newTestMessage("tok2")
	dup.Slug = &slug
	if err := store.CreateMessage(ctx, dup); !errors.Is(err, ErrSlugTaken) {
		t.Errorf("expected ErrSlugTaken, got %v", err)
	}

	got, err := store.GetMessage(ctx, Slug(slug))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Token != "tok1" {
		t.Errorf("expected tok1, got %s", got.Token)
	}

	if _, err := store.DeleteMessage(ctx, "tok1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists, _ := store.SlugExists(ctx, slug); exists {
		t.Error("slug should be released after delete")
	}
}

func TestMemoryStore_DeleteGroupCascadeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groupID := "g1"
	g := &MessageGroup{GroupID: groupID, TotalLinks: 3, BurnOnFirstView: true}

	var siblings []*Message
	for _, tok := range []string{"a", "b", "c"} {
		m := newTestMessage(tok)
		m.GroupID = &groupID
		m.MediaFileIDs = []string{"file-" + tok}
		siblings = append(siblings, m)
	}
	if err := store.CreateGroup(ctx, g, siblings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	media, err := store.DeleteGroupCascade(ctx, groupID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media) != 3 {
		t.Errorf("expected 3 media ids, got %d", len(media))
	}

	media, err = store.DeleteGroupCascade(ctx, groupID)
	if err != nil {
		t.Fatalf("second cascade should be a no-op, got: %v", err)
	}
	if len(media) != 0 {
		t.Errorf("expected no media on second cascade, got %v", media)
	}
	if _, err := store.GetGroup(ctx, groupID); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateGroupRejectsDuplicateTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateMessage(ctx, newTestMessage("taken")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		tokens []string
	}{
		{"existing message", []string{"fresh", "taken"}},
		{"repeated within group", []string{"twin", "twin"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groupID := fmt.Sprintf("g%d", i)
			var siblings []*Message
			for _, tok := range tt.tokens {
				m := newTestMessage(tok)
				m.GroupID = &groupID
				siblings = append(siblings, m)
			}

			err := store.CreateGroup(ctx, &MessageGroup{GroupID: groupID, TotalLinks: len(siblings)}, siblings)
			if err == nil {
				t.Fatal("expected duplicate token error")
			}
			if _, err := store.GetGroup(ctx, groupID); !errors.Is(err, ErrGroupNotFound) {
				t.Errorf("failed group should not be stored, got %v", err)
			}
			if _, err := store.GetMessage(ctx, Token(tt.tokens[0])); !errors.Is(err, ErrMessageNotFound) {
				t.Errorf("failed group should leave no siblings, got %v", err)
			}
		})
	}
}

func TestMemoryStore_CleanupMarkers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	store.CreateCleanupMarker(ctx, &MediaCleanupMarker{FileID: "due", DeleteAfter: now.Add(-time.Hour), MarkedAt: now})
	store.CreateCleanupMarker(ctx, &MediaCleanupMarker{FileID: "later", DeleteAfter: now.Add(time.Hour), MarkedAt: now})

	due, err := store.DueCleanupMarkers(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].FileID != "due" {
		t.Errorf("expected only the due marker, got %+v", due)
	}

	if err := store.DeleteCleanupMarker(ctx, "due"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.DeleteCleanupMarker(ctx, "due"); !errors.Is(err, ErrMarkerNotFound) {
		t.Errorf("expected ErrMarkerNotFound, got %v", err)
	}
}
