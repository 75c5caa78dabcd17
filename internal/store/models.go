package store

import "time"

type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

type Channel struct {
	ID          string
	OrgID       string
	Name        string
	Description string
	Type        string
	CreatedBy   string
	CreatedAt   time.Time
}

// Attachment is an object-storage reference embedded in a message row.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

type Message struct {
	ID          string
	ChannelID   string
	UserID      string
	Content     string
	Attachments []Attachment
	ParentID    *string
	IsEdited    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Denormalized at read time, not columns of the messages row.
	Author    Profile
	Reactions []Reaction
}

type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// Before reports whether m sorts ahead of other in a channel's message list.
// Display order is always ascending (created_at, id); the id tie-break keeps
// the order deterministic for equal timestamps.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
