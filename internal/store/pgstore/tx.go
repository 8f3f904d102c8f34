package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

// pgTx adapts one *sql.Tx to the store.Tx contract. Reads lock the rows they
// touch so concurrent counter updates serialize instead of clobbering each
// other.
type pgTx struct {
	ctx     context.Context
	tx      *sql.Tx
	tenant  string
	now     time.Time
	touched map[string]struct{}
}

func (t *pgTx) Now() time.Time {
	return t.now
}

func (t *pgTx) Conversation(id string) (types.Conversation, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT doc FROM conversations WHERE tenant = $1 AND id = $2 FOR UPDATE`,
		t.tenant, id,
	)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, store.ErrNotFound
		}
		return types.Conversation{}, store.Transient(fmt.Errorf("read conversation: %w", err))
	}
	var c types.Conversation
	if err := json.Unmarshal(doc, &c); err != nil {
		return types.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (t *pgTx) PutConversation(c types.Conversation) error {
	if c.Id == "" {
		return fmt.Errorf("conversation id is empty")
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO conversations (tenant, id, doc, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant, id)
		 DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		t.tenant, c.Id, doc, c.UpdatedAt,
	)
	if err != nil {
		return store.Transient(fmt.Errorf("write conversation: %w", err))
	}
	t.touched[c.Id] = struct{}{}
	return nil
}

func (t *pgTx) Message(conversationId, messageId string) (types.Message, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT doc FROM messages
		 WHERE tenant = $1 AND conversation_id = $2 AND id = $3 FOR UPDATE`,
		t.tenant, conversationId, messageId,
	)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, store.ErrNotFound
		}
		return types.Message{}, store.Transient(fmt.Errorf("read message: %w", err))
	}
	var m types.Message
	if err := json.Unmarshal(doc, &m); err != nil {
		return types.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (t *pgTx) PutMessage(m types.Message) error {
	if m.Id == "" || m.ConversationId == "" {
		return fmt.Errorf("message id or conversation id is empty")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO messages (tenant, conversation_id, id, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant, conversation_id, id)
		 DO UPDATE SET doc = EXCLUDED.doc, created_at = EXCLUDED.created_at`,
		t.tenant, m.ConversationId, m.Id, doc, m.CreatedAt,
	)
	if err != nil {
		return store.Transient(fmt.Errorf("write message: %w", err))
	}
	t.touched[m.ConversationId] = struct{}{}
	return nil
}

func (t *pgTx) InsertMessage(m types.Message) (types.Message, error) {
	if m.ConversationId == "" {
		return types.Message{}, fmt.Errorf("conversation id is empty")
	}

	id, err := store.NewId()
	if err != nil {
		return types.Message{}, err
	}
	m.Id = id

	ts, err := t.nextTimestamp(m.ConversationId)
	if err != nil {
		return types.Message{}, err
	}
	m.CreatedAt = ts

	if err := t.PutMessage(m); err != nil {
		return types.Message{}, err
	}
	return m, nil
}

// nextTimestamp assigns the server timestamp for an insert, strictly greater
// than any previously assigned in the conversation. The clock row is taken
// FOR UPDATE, serializing concurrent inserts to the same conversation.
func (t *pgTx) nextTimestamp(conversationId string) (time.Time, error) {
	var last time.Time
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT last_ts FROM conversation_clocks
		 WHERE tenant = $1 AND conversation_id = $2 FOR UPDATE`,
		t.tenant, conversationId,
	)
	if err := row.Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.Transient(fmt.Errorf("read conversation clock: %w", err))
	}

	ts := t.now
	if !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}

	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO conversation_clocks (tenant, conversation_id, last_ts)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant, conversation_id)
		 DO UPDATE SET last_ts = EXCLUDED.last_ts`,
		t.tenant, conversationId, ts,
	)
	if err != nil {
		return time.Time{}, store.Transient(fmt.Errorf("advance conversation clock: %w", err))
	}
	return ts, nil
}

func (t *pgTx) UnreadMessages(conversationId, userId string) ([]types.Message, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT doc FROM messages
		 WHERE tenant = $1 AND conversation_id = $2
		   AND NOT COALESCE(doc->'read_by' ? $3, FALSE)
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE`,
		t.tenant, conversationId, userId,
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query unread messages: %w", err))
	}
	defer rows.Close()
	return scanMessages(rows)
}
