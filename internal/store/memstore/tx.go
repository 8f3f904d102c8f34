package memstore

import (
	"fmt"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

// memTx stages writes until commit. Reads observe staged writes first, then
// committed state. The enclosing store mutex serializes transactions, so no
// further locking happens here.
type memTx struct {
	td     *tenantData
	now    time.Time
	convs  map[string]types.Conversation
	msgs   map[string]map[string]types.Message
	lastTs map[string]time.Time
}

func (tx *memTx) Now() time.Time {
	return tx.now
}

func (tx *memTx) Conversation(id string) (types.Conversation, error) {
	if c, ok := tx.convs[id]; ok {
		return cloneConversation(c), nil
	}
	if c, ok := tx.td.convs[id]; ok {
		return cloneConversation(c), nil
	}
	return types.Conversation{}, store.ErrNotFound
}

func (tx *memTx) PutConversation(c types.Conversation) error {
	if c.Id == "" {
		return fmt.Errorf("conversation id is empty")
	}
	tx.convs[c.Id] = cloneConversation(c)
	return nil
}

func (tx *memTx) Message(conversationId, messageId string) (types.Message, error) {
	if staged, ok := tx.msgs[conversationId]; ok {
		if m, ok := staged[messageId]; ok {
			return cloneMessage(m), nil
		}
	}
	if byId, ok := tx.td.msgs[conversationId]; ok {
		if m, ok := byId[messageId]; ok {
			return cloneMessage(m), nil
		}
	}
	return types.Message{}, store.ErrNotFound
}

func (tx *memTx) PutMessage(m types.Message) error {
	if m.Id == "" || m.ConversationId == "" {
		return fmt.Errorf("message id or conversation id is empty")
	}
	staged, ok := tx.msgs[m.ConversationId]
	if !ok {
		staged = make(map[string]types.Message)
		tx.msgs[m.ConversationId] = staged
	}
	staged[m.Id] = cloneMessage(m)
	return nil
}

func (tx *memTx) InsertMessage(m types.Message) (types.Message, error) {
	if m.ConversationId == "" {
		return types.Message{}, fmt.Errorf("conversation id is empty")
	}

	id, err := store.NewId()
	if err != nil {
		return types.Message{}, err
	}
	m.Id = id
	m.CreatedAt = tx.nextTimestamp(m.ConversationId)

	if err := tx.PutMessage(m); err != nil {
		return types.Message{}, err
	}
	return m, nil
}

// nextTimestamp assigns the server timestamp for an insert, strictly greater
// than any timestamp previously assigned in the conversation.
func (tx *memTx) nextTimestamp(conversationId string) time.Time {
	ts := tx.now
	last := tx.td.lastTs[conversationId]
	if staged, ok := tx.lastTs[conversationId]; ok && staged.After(last) {
		last = staged
	}
	if !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	tx.lastTs[conversationId] = ts
	return ts
}

func (tx *memTx) UnreadMessages(conversationId, userId string) ([]types.Message, error) {
	merged := make(map[string]types.Message)
	for id, m := range tx.td.msgs[conversationId] {
		merged[id] = m
	}
	for id, m := range tx.msgs[conversationId] {
		merged[id] = m
	}

	var out []types.Message
	for _, m := range sortedMessages(merged) {
		if !m.ReadByUser(userId) {
			out = append(out, m)
		}
	}
	return out, nil
}

func cloneConversation(c types.Conversation) types.Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.PinnedBy = append([]string(nil), c.PinnedBy...)
	out.ArchivedBy = append([]string(nil), c.ArchivedBy...)
	out.HiddenBy = append([]string(nil), c.HiddenBy...)
	if c.ParticipantInfo != nil {
		out.ParticipantInfo = make(map[string]types.Participant, len(c.ParticipantInfo))
		for k, v := range c.ParticipantInfo {
			out.ParticipantInfo[k] = v
		}
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	if c.LastRead != nil {
		out.LastRead = make(map[string]time.Time, len(c.LastRead))
		for k, v := range c.LastRead {
			out.LastRead[k] = v
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func cloneMessage(m types.Message) types.Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}
