package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Bounds on snapshot reads. Unbounded channel reads are not allowed; the
// snapshot window is what keeps cold-start memory and latency predictable.
const (
	DefaultSnapshotLimit = 100
	MaxSnapshotLimit     = 500
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, id, displayName string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, COALESCE(avatar_url, ''), created_at
	`, id, displayName).Scan(&profile.ID, &profile.DisplayName, &profile.AvatarURL, &profile.CreatedAt)
	if err != nil {
		return Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return profile, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(avatar_url, ''), created_at
		FROM profiles WHERE id=$1
	`, id).Scan(&profile.ID, &profile.DisplayName, &profile.AvatarURL, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return profile, nil
}

func (s *PostgresStore) CreateChannel(ctx context.Context, channel Channel) (Channel, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO channels (id, org_id, name, description, type, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, channel.ID, channel.OrgID, channel.Name, channel.Description, channel.Type, channel.CreatedBy).Scan(&channel.CreatedAt)
	if err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	var channel Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, COALESCE(description, ''), type, created_by, created_at
		FROM channels WHERE id=$1
	`, id).Scan(&channel.ID, &channel.OrgID, &channel.Name, &channel.Description, &channel.Type, &channel.CreatedBy, &channel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context, orgID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, COALESCE(description, ''), type, created_by, created_at
		FROM channels
		WHERE org_id=$1
		ORDER BY name ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var item Channel
		if err := rows.Scan(&item.ID, &item.OrgID, &item.Name, &item.Description, &item.Type, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

// ListRecentMessages returns up to limit most-recent messages for a channel,
// ordered ascending by (created_at, id) with the author profile denormalized.
// Reactions are attached in a second pass so the row scan stays flat.
// EnsureChannelMember records membership idempotently. Membership drives
// server-side unread counters: every member except the author gets a bump
// when a message lands.
func (s *PostgresStore) EnsureChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("ensure channel member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChannelMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM channel_members WHERE channel_id=$1 ORDER BY joined_at ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	if limit > MaxSnapshotLimit {
		limit = MaxSnapshotLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.channel_id, m.user_id, m.content, m.attachments,
		       m.parent_message_id, m.is_edited, m.created_at, m.updated_at,
		       COALESCE(p.display_name, ''), COALESCE(p.avatar_url, '')
		FROM (
			SELECT * FROM messages
			WHERE channel_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) m
		LEFT JOIN profiles p ON p.id = m.user_id
		ORDER BY m.created_at ASC, m.id ASC
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if err := s.attachReactions(ctx, channelID, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.channel_id, m.user_id, m.content, m.attachments,
		       m.parent_message_id, m.is_edited, m.created_at, m.updated_at,
		       COALESCE(p.display_name, ''), COALESCE(p.avatar_url, '')
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.user_id
		WHERE m.id=$1
	`, id)
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	reactions, err := s.ListMessageReactions(ctx, id)
	if err != nil {
		return Message{}, err
	}
	item.Reactions = reactions
	return item, nil
}

// InsertMessage persists a new message. created_at/updated_at are assigned by
// the database so ordering keys always come from one clock.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	attachments, err := json.Marshal(attachmentsOrEmpty(msg.Attachments))
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_id, user_id, content, attachments, parent_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, msg.ID, msg.ChannelID, msg.UserID, msg.Content, attachments, msg.ParentID).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// UpdateMessageContent edits a message body. Only the author may edit; a
// mismatched author behaves like a missing row.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, userID, content string) (Message, error) {
	var updated Message
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content=$3, is_edited=TRUE, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
		RETURNING id, channel_id, user_id, content, attachments, parent_message_id, is_edited, created_at, updated_at
	`, id, userID, content).Scan(
		&updated.ID,
		&updated.ChannelID,
		&updated.UserID,
		&updated.Content,
		&jsonScanner{dst: &updated.Attachments},
		&updated.ParentID,
		&updated.IsEdited,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id, emoji) DO UPDATE SET emoji=EXCLUDED.emoji
		RETURNING id, created_at
	`, reaction.ID, reaction.MessageID, reaction.UserID, reaction.Emoji).Scan(&reaction.ID, &reaction.CreatedAt)
	if err != nil {
		return Reaction{}, fmt.Errorf("add reaction: %w", err)
	}
	return reaction, nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessageReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at
		FROM reactions
		WHERE message_id=$1
		ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ID, &item.MessageID, &item.UserID, &item.Emoji, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

// attachReactions decorates a snapshot page with its reactions in one query
// joined through the channel, avoiding a per-message round trip.
func (s *PostgresStore) attachReactions(ctx context.Context, channelID string, items []Message) error {
	if len(items) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.message_id, r.user_id, r.emoji, r.created_at
		FROM reactions r
		JOIN messages m ON m.id = r.message_id
		WHERE m.channel_id=$1
		ORDER BY r.created_at ASC
	`, channelID)
	if err != nil {
		return fmt.Errorf("list channel reactions: %w", err)
	}
	defer rows.Close()

	byMessage := make(map[string][]Reaction)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ID, &item.MessageID, &item.UserID, &item.Emoji, &item.CreatedAt); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		byMessage[item.MessageID] = append(byMessage[item.MessageID], item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reactions: %w", err)
	}

	for i := range items {
		items[i].Reactions = byMessage[items[i].ID]
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	err := row.Scan(
		&item.ID,
		&item.ChannelID,
		&item.UserID,
		&item.Content,
		&jsonScanner{dst: &item.Attachments},
		&item.ParentID,
		&item.IsEdited,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Author.DisplayName,
		&item.Author.AvatarURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	item.Author.ID = item.UserID
	return item, nil
}

// jsonScanner decodes a jsonb column into dst; NULL decodes as empty.
type jsonScanner struct {
	dst *[]Attachment
}

func (j *jsonScanner) Scan(src any) error {
	*j.dst = nil
	if src == nil {
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unexpected attachments type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, j.dst)
}

func attachmentsOrEmpty(attachments []Attachment) []Attachment {
	if attachments == nil {
		return []Attachment{}
	}
	return attachments
}
