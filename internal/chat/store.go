package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/messenger/internal/metrics"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	pqUniqueViolation = "23505"
)

// Store persists conversations, members and messages in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new chat store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op+": commit", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// GetConversation loads a conversation with its members.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	defer metrics.ObserveStore("get_conversation", time.Now())
	return loadConversation(ctx, s.db, id, false)
}

func loadConversation(ctx context.Context, q queryer, id int64, forUpdate bool) (*Conversation, error) {
	query := `
		SELECT id, kind, name, avatar, created_by, last_message, last_message_at, last_message_by, created_at
		FROM conversations
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		c      Conversation
		kind   string
		lastAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &kind, &c.Name, &c.Avatar, &c.CreatedBy,
		&c.LastMessage, &lastAt, &c.LastMessageBy, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	c.Kind = Kind(kind)
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}

	members, err := loadMembers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

func loadMembers(ctx context.Context, q queryer, conversationID int64) ([]Member, error) {
	const query = `
		SELECT user_id, role, unread_count, joined_at
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id`

	rows, err := q.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, storeErr("load members", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Role, &m.Unread, &m.JoinedAt); err != nil {
			return nil, storeErr("scan member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load members", err)
	}
	return members, nil
}

// Membership returns the conversation's kind and whether userID participates
// in it. A missing conversation is reported as NotFound.
func (s *Store) Membership(ctx context.Context, conversationID int64, userID string) (Kind, bool, error) {
	defer metrics.ObserveStore("membership", time.Now())

	const query = `
		SELECT c.kind,
		       EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.user_id = $2)
		FROM conversations c
		WHERE c.id = $1`

	var (
		kind   string
		member bool
	)
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&kind, &member)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, notFound("conversation", conversationID)
	}
	if err != nil {
		return "", false, storeErr("membership", err)
	}
	return Kind(kind), member, nil
}

// FindOrCreateDirect returns the direct conversation between a and b, creating
// it when none exists. created reports whether a new conversation was made.
// The direct_pairs unique key guarantees one conversation per pair even when
// both users start a chat at the same time.
func (s *Store) FindOrCreateDirect(ctx context.Context, a, b string) (conv *Conversation, created bool, err error) {
	defer metrics.ObserveStore("find_or_create_direct", time.Now())

	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" {
		return nil, false, invalid("sender_id", "required")
	}
	if b == "" {
		return nil, false, invalid("receiver_id", "required")
	}
	if a == b {
		return nil, false, invalid("receiver_id", "cannot start a chat with yourself")
	}
	low, high := a, b
	if high < low {
		low, high = high, low
	}

	if id, err := s.lookupDirect(ctx, low, high); err != nil {
		return nil, false, err
	} else if id > 0 {
		conv, err := s.GetConversation(ctx, id)
		return conv, false, err
	}

	var id int64
	err = s.withTx(ctx, "create direct", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO conversations (kind, created_by) VALUES ('direct', $1) RETURNING id`, a,
		).Scan(&id); err != nil {
			return storeErr("insert conversation", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO direct_pairs (user_low, user_high, conversation_id) VALUES ($1, $2, $3)`,
			low, high, id,
		); err != nil {
			return storeErr("insert direct pair", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, 'creator'), ($1, $3, 'member')`,
			id, a, b,
		); err != nil {
			return storeErr("insert members", err)
		}
		return nil
	})

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		// Lost the race with the peer; use the conversation they created.
		existing, lookupErr := s.lookupDirect(ctx, low, high)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		conv, err := s.GetConversation(ctx, existing)
		return conv, false, err
	}
	if err != nil {
		return nil, false, err
	}

	conv, err = s.GetConversation(ctx, id)
	return conv, true, err
}

func (s *Store) lookupDirect(ctx context.Context, low, high string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM direct_pairs WHERE user_low = $1 AND user_high = $2`,
		low, high,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("lookup direct", err)
	}
	return id, nil
}

// CreateGroup creates a group owned by creatorID. members may include the
// creator and duplicates; both are collapsed.
func (s *Store) CreateGroup(ctx context.Context, creatorID, name, avatar string, members []string) (*Conversation, error) {
	defer metrics.ObserveStore("create_group", time.Now())

	if strings.TrimSpace(creatorID) == "" {
		return nil, invalid("created_by", "required")
	}
	others := uniqueExcept(members, creatorID)
	if err := ValidateGroup(name, others); err != nil {
		return nil, err
	}

	var id int64
	err := s.withTx(ctx, "create group", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO conversations (kind, name, avatar, created_by) VALUES ('group', $1, $2, $3) RETURNING id`,
			strings.TrimSpace(name), avatar, creatorID,
		).Scan(&id); err != nil {
			return storeErr("insert group", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'creator')`,
			id, creatorID,
		); err != nil {
			return storeErr("insert creator", err)
		}

		if len(others) > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_members (conversation_id, user_id, role)
				SELECT $1, unnest($2::text[]), 'member'`,
				id, pq.Array(others),
			); err != nil {
				return storeErr("insert members", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// AddMember adds userID to a group. The actor must already be a member.
// Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, groupID int64, actorID, userID string) error {
	defer metrics.ObserveStore("add_member", time.Now())

	if strings.TrimSpace(userID) == "" {
		return invalid("user_id", "required")
	}
	return s.withTx(ctx, "add member", func(tx *sql.Tx) error {
		conv, err := loadConversation(ctx, tx, groupID, true)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return notFound("group", groupID)
		}
		if !conv.IsMember(actorID) {
			return notFound("group", groupID)
		}
		if len(conv.Members) >= MaxGroupMembers && !conv.IsMember(userID) {
			return invalid("members", "too many members")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, 'member')
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			groupID, userID,
		); err != nil {
			return storeErr("insert member", err)
		}
		return nil
	})
}

// RemoveMember removes userID from a group. Members may remove themselves;
// removing anyone else requires the creator. The creator cannot be removed.
func (s *Store) RemoveMember(ctx context.Context, groupID int64, actorID, userID string) error {
	defer metrics.ObserveStore("remove_member", time.Now())

	return s.withTx(ctx, "remove member", func(tx *sql.Tx) error {
		conv, err := loadConversation(ctx, tx, groupID, true)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return notFound("group", groupID)
		}
		actor, ok := conv.Member(actorID)
		if !ok {
			return notFound("group", groupID)
		}
		target, ok := conv.Member(userID)
		if !ok {
			return notFound("member", userID)
		}
		if target.Role == RoleCreator {
			return invalid("user_id", "the group creator cannot be removed")
		}
		if actorID != userID && actor.Role != RoleCreator {
			return invalid("user_id", "only the group creator can remove other members")
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
			groupID, userID,
		); err != nil {
			return storeErr("delete member", err)
		}
		return nil
	})
}

// UpdateGroup renames a group and, when avatar is non-empty, replaces its
// avatar. The actor must be a member.
func (s *Store) UpdateGroup(ctx context.Context, groupID int64, actorID, name, avatar string) error {
	defer metrics.ObserveStore("update_group", time.Now())

	name = strings.TrimSpace(name)
	if err := ValidateGroup(name, nil); err != nil {
		return err
	}

	const query = `
		UPDATE conversations c
		SET name = $3,
		    avatar = CASE WHEN $4::text = '' THEN c.avatar ELSE $4::text END
		WHERE c.id = $1
		  AND c.kind = 'group'
		  AND EXISTS (
		      SELECT 1 FROM conversation_members m
		      WHERE m.conversation_id = c.id AND m.user_id = $2
		  )`

	res, err := s.db.ExecContext(ctx, query, groupID, actorID, name, avatar)
	if err != nil {
		return storeErr("update group", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update group", err)
	}
	if n == 0 {
		return notFound("group", groupID)
	}
	return nil
}

// ListConversations returns every conversation userID participates in, most
// recently active first, with the caller's own unread counter and, for direct
// chats, the other participant.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	defer metrics.ObserveStore("list_conversations", time.Now())

	const query = `
		SELECT c.id, c.kind, c.name, c.avatar, c.last_message, c.last_message_at, c.last_message_by,
		       me.unread_count,
		       COALESCE((
		           SELECT o.user_id FROM conversation_members o
		           WHERE o.conversation_id = c.id AND o.user_id <> me.user_id AND c.kind = 'direct'
		           LIMIT 1
		       ), '')
		FROM conversation_members me
		JOIN conversations c ON c.id = me.conversation_id
		WHERE me.user_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var (
			cs     ConversationSummary
			kind   string
			lastAt sql.NullTime
		)
		if err := rows.Scan(
			&cs.ID, &kind, &cs.Name, &cs.Avatar, &cs.LastMessage, &lastAt, &cs.LastMessageBy,
			&cs.Unread, &cs.PeerID,
		); err != nil {
			return nil, storeErr("scan conversation", err)
		}
		cs.Kind = Kind(kind)
		if lastAt.Valid {
			t := lastAt.Time
			cs.LastMessageAt = &t
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list conversations", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// InsertMessage persists a message in one transaction: the conversation row is
// locked, the sender's membership checked, the message inserted, the summary
// updated, and every other member's unread counter incremented. The request
// must already have passed ValidateSend.
func (s *Store) InsertMessage(ctx context.Context, req SendRequest) (*Message, error) {
	defer metrics.ObserveStore("insert_message", time.Now())

	var msg *Message
	err := s.withTx(ctx, "insert message", func(tx *sql.Tx) error {
		conv, err := loadConversation(ctx, tx, req.ConversationID, true)
		if err != nil {
			return err
		}
		if !conv.IsMember(req.SenderID) {
			return notFound("conversation", req.ConversationID)
		}

		msg = &Message{
			ConversationID: conv.ID,
			Kind:           conv.Kind,
			SenderID:       req.SenderID,
			Body:           req.Body,
			ContentType:    req.ContentType,
			MediaURL:       req.MediaURL,
			Status:         StatusSent,
			Unread:         true,
		}
		var receiver sql.NullString
		if conv.Kind == KindDirect {
			if r := conv.Recipients(req.SenderID); len(r) > 0 {
				msg.ReceiverID = r[0]
				receiver = sql.NullString{String: r[0], Valid: true}
			}
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (conversation_id, sender_id, receiver_id, body, content_type, media_url, status, unread)
			VALUES ($1, $2, $3, $4, $5, $6, 'sent', TRUE)
			RETURNING id, created_at`,
			conv.ID, req.SenderID, receiver, req.Body, req.ContentType, req.MediaURL,
		).Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return storeErr("insert message", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message = $2, last_message_at = $3, last_message_by = $4
			WHERE id = $1`,
			conv.ID, req.Summary(), msg.CreatedAt, req.SenderID,
		); err != nil {
			return storeErr("update summary", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_members
			SET unread_count = unread_count + 1
			WHERE conversation_id = $1 AND user_id <> $2`,
			conv.ID, req.SenderID,
		); err != nil {
			return storeErr("increment unread", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkSeen marks the listed messages of the conversation seen and resets
// userID's unread counter, in one transaction. Messages already seen keep
// their original seen_at. An empty id list only resets the counter.
func (s *Store) MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID string) (*SeenResult, error) {
	defer metrics.ObserveStore("mark_seen", time.Now())

	res := &SeenResult{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     messageIDs,
		SeenAt:         s.now().UTC().Truncate(time.Microsecond), // timestamptz precision
	}
	err := s.withTx(ctx, "mark seen", func(tx *sql.Tx) error {
		var kind string
		err := tx.QueryRowContext(ctx,
			`SELECT kind FROM conversations WHERE id = $1`, conversationID,
		).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("conversation", conversationID)
		}
		if err != nil {
			return storeErr("get conversation", err)
		}
		res.Kind = Kind(kind)

		if len(messageIDs) > 0 {
			r, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = 'seen', unread = FALSE, seen_at = $3
				WHERE conversation_id = $1 AND id = ANY($2) AND status <> 'seen'`,
				conversationID, pq.Array(messageIDs), res.SeenAt,
			)
			if err != nil {
				return storeErr("update messages", err)
			}
			if res.Updated, err = r.RowsAffected(); err != nil {
				return storeErr("update messages", err)
			}
		}

		r, err := tx.ExecContext(ctx, `
			UPDATE conversation_members
			SET unread_count = 0
			WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID,
		)
		if err != nil {
			return storeErr("reset unread", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return storeErr("reset unread", err)
		}
		if n == 0 {
			return notFound("conversation", conversationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListMessages returns up to limit messages of a conversation older than
// beforeID (all when beforeID <= 0), oldest first. The caller must be a member.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, userID string, beforeID int64, limit int) ([]Message, error) {
	defer metrics.ObserveStore("list_messages", time.Now())

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	_, member, err := s.Membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, notFound("conversation", conversationID)
	}

	const query = `
		SELECT m.id, m.conversation_id, c.kind, m.sender_id, COALESCE(m.receiver_id, ''),
		       m.body, m.content_type, m.media_url, m.status, m.unread, m.seen_at, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND ($2::bigint <= 0 OR m.id < $2::bigint)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, conversationID, beforeID, limit)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m            Message
			kind, status string
			seenAt       sql.NullTime
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &kind, &m.SenderID, &m.ReceiverID,
			&m.Body, &m.ContentType, &m.MediaURL, &status, &m.Unread, &seenAt, &m.CreatedAt,
		); err != nil {
			return nil, storeErr("scan message", err)
		}
		m.Kind = Kind(kind)
		m.Status = Status(status)
		if seenAt.Valid {
			t := seenAt.Time
			m.SeenAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}

	// Query is newest-first for the LIMIT; history reads oldest-first.
	reverse(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UpsertUser records or refreshes the cached profile of an identity-provider user.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	defer metrics.ObserveStore("upsert_user", time.Now())

	if err := ValidateProfile(&u); err != nil {
		return err
	}
	const query = `
		INSERT INTO users (id, name, email, avatar, phone, bio, gender, dob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::date)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, avatar = EXCLUDED.avatar,
		    phone = EXCLUDED.phone, bio = EXCLUDED.bio, gender = EXCLUDED.gender, dob = EXCLUDED.dob`

	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Avatar, u.Phone, u.Bio, u.Gender, u.DOB); err != nil {
		return storeErr("upsert user", fmt.Errorf("id=%s: %w", u.ID, err))
	}
	return nil
}

const userColumns = `id, name, email, avatar, phone, bio, gender, COALESCE(to_char(dob, 'YYYY-MM-DD'), ''), created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &u.Phone, &u.Bio, &u.Gender, &u.DOB, &u.CreatedAt)
	return u, err
}

// GetUser returns a cached profile.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	defer metrics.ObserveStore("get_user", time.Now())

	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return &u, nil
}

// ListUsers returns every cached profile except exceptID, ordered by name.
func (s *Store) ListUsers(ctx context.Context, exceptID string) ([]User, error) {
	defer metrics.ObserveStore("list_users", time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id <> $1 ORDER BY name, id`, exceptID)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list users", err)
	}
	return out, nil
}

func uniqueExcept(ids []string, exclude string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
