package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// TombstoneContent replaces the payload of a deleted message. The document
// itself keeps its id and position in the sequence.
const TombstoneContent = "message deleted"

type Participant struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
	Role  string `json:"role,omitempty"`
}

type LastMessage struct {
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	SenderId string      `json:"sender_id"`
	SentAt   time.Time   `json:"sent_at"`
}

// Conversation is the aggregate document for a messaging thread. UnreadCount,
// PinnedBy and ArchivedBy are keyed/scoped per participant: one participant's
// pin or archive never affects another's view.
type Conversation struct {
	Id              string                 `json:"id"`
	Participants    []string               `json:"participants"`
	ParticipantInfo map[string]Participant `json:"participant_info,omitempty"`
	UnreadCount     map[string]int         `json:"unread_count,omitempty"`
	LastRead        map[string]time.Time   `json:"last_read,omitempty"`
	PinnedBy        []string               `json:"pinned_by,omitempty"`
	ArchivedBy      []string               `json:"archived_by,omitempty"`
	HiddenBy        []string               `json:"hidden_by,omitempty"`
	LastMessage     *LastMessage           `json:"last_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userId string) bool {
	return Contains(c.Participants, userId)
}

// Other returns the id of the peer in a 1:1 conversation.
func (c *Conversation) Other(userId string) string {
	for _, p := range c.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}

type Attachment struct {
	Url      string `json:"url"`
	Path     string `json:"path,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type ReplyRef struct {
	MessageId string `json:"message_id"`
	SenderId  string `json:"sender_id"`
	Snippet   string `json:"snippet"`
}

// Message is a single entry in a conversation's ordered sequence. CreatedAt is
// server-assigned and is the sole ordering key. CorrelationId is set by the
// sending client and echoed back unchanged so optimistic writes can be matched
// without content heuristics.
type Message struct {
	Id             string              `json:"id"`
	ConversationId string              `json:"conversation_id"`
	SenderId       string              `json:"sender_id"`
	Type           MessageType         `json:"type"`
	Content        string              `json:"content"`
	Attachment     *Attachment         `json:"attachment,omitempty"`
	ReplyTo        *ReplyRef           `json:"reply_to,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	ReadBy         []string            `json:"read_by,omitempty"`
	Edited         bool                `json:"edited,omitempty"`
	Deleted        bool                `json:"deleted,omitempty"`
	Pinned         bool                `json:"pinned,omitempty"`
	Starred        bool                `json:"starred,omitempty"`
	CorrelationId  string              `json:"correlation_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       time.Time           `json:"edited_at,omitempty"`
	DeletedAt      time.Time           `json:"deleted_at,omitempty"`
}

func (m *Message) ReadByUser(userId string) bool {
	return Contains(m.ReadBy, userId)
}

// Tombstone replaces the message payload in place, preserving id and ordering
// position so clients mid-pagination never see the sequence shrink.
func (m *Message) Tombstone(at time.Time) {
	m.Content = TombstoneContent
	m.Attachment = nil
	m.Deleted = true
	m.DeletedAt = at
}

// PresenceRecord is ephemeral, best-effort state owned by a single client and
// refreshed on a heartbeat. A record older than its TTL is treated as offline
// even if no explicit offline write ever arrived.
type PresenceRecord struct {
	UserId   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	TypingIn string    `json:"typing_in,omitempty"`
	TypingAt time.Time `json:"typing_at,omitempty"`
}

// Stale reports whether the record should be treated as offline because it has
// not been refreshed within ttl.
func (p *PresenceRecord) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeen) > ttl
}

// TypingStale reports whether a typing signal has expired. Covers abrupt
// disconnects where the trailing typing=false write never happened.
func (p *PresenceRecord) TypingStale(now time.Time, ttl time.Duration) bool {
	return p.TypingIn == "" || now.Sub(p.TypingAt) > ttl
}
