package database

import "time"

// Message is a single one-time envelope stored as ciphertext.
type Message struct {
	Token                string
	Slug                 *string // nil when no custom slug was chosen
	Ciphertext           string
	IV                   string
	Salt                 string
	CreatedAt            time.Time
	ExpiresAt            *time.Time // nil means no expiry
	Accessed             bool
	ViewCount            int
	MaxViews             int
	PasswordAttempts     int
	MaxPasswordAttempts  *int
	RequireGeoMatch      bool
	CreatorCountry       *string
	AutoBurnOnSuspicious bool
	Require2FA           bool
	TOTPSecret           *string
	MediaFileIDs         []string
	GroupID              *string
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// MessageGroup coordinates the burn decision shared by sibling messages.
type MessageGroup struct {
	GroupID         string
	TotalLinks      int
	AccessedCount   int
	MaxViews        *int
	BurnOnFirstView bool
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// ShouldBurn reports whether the group has reached a burn condition.
func (g *MessageGroup) ShouldBurn() bool {
	if g.BurnOnFirstView {
		return g.AccessedCount > 0
	}
	return g.MaxViews != nil && g.AccessedCount >= *g.MaxViews
}

// MediaCleanupMarker schedules deletion of an attachment blob after a grace window.
type MediaCleanupMarker struct {
	FileID      string
	DeleteAfter time.Time
	MarkedAt    time.Time
}

// UsageDelta is a best-effort increment applied to the aggregate counters.
type UsageDelta struct {
	MessagesCreated int64
	MessagesBurned  int64
	FilesUploaded   int64
	BytesUploaded   int64
}

// Stats holds aggregate server statistics.
type Stats struct {
	MessagesCreated int64
	MessagesBurned  int64
	ActiveMessages  int64
	ActiveGroups    int64
	FilesUploaded   int64
	BytesUploaded   int64
	PendingCleanup  int64
}
