package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fitstack/chatsync/internal/chatlist"
	"github.com/fitstack/chatsync/internal/session"
	"github.com/fitstack/chatsync/internal/stream"
	"github.com/fitstack/chatsync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ClientMessage is one inbound websocket frame.
type ClientMessage struct {
	Type           string `json:"type"`
	ConversationId string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

const (
	msgOpen      = "open"
	msgClose     = "close"
	msgTyping    = "typing"
	msgLoadOlder = "load_older"
	msgMarkRead  = "mark_read"
)

// ServerMessage is one outbound websocket frame: a snapshot of one of the
// session's live views, or an error.
type ServerMessage struct {
	Type           string                 `json:"type"`
	ConversationId string                 `json:"conversation_id,omitempty"`
	ChatList       *chatlist.Snapshot     `json:"chat_list,omitempty"`
	Messages       *stream.Snapshot       `json:"messages,omitempty"`
	Presence       []types.PresenceRecord `json:"presence,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	log    *log.Logger
	app    *ChatSyncApp
	sess   *session.Session
	ctx    context.Context
	cancel context.CancelFunc
	send   chan *ServerMessage
	stop   chan struct{}

	openMu sync.Mutex
	open   map[string]struct{}
}

func newWsClient(conn *websocket.Conn, logger *log.Logger, app *ChatSyncApp, sess *session.Session) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsClient{
		conn:   conn,
		log:    logger,
		app:    app,
		sess:   sess,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan *ServerMessage, 256),
		stop:   make(chan struct{}),
		open:   make(map[string]struct{}),
	}
}

func (s *ChatSyncApp) serveWs(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	sess := s.getSession(tenant, userId)
	client := newWsClient(conn, s.log, s, sess)

	sess.Start(client.ctx)

	if err := client.watchChatList(); err != nil {
		s.log.Printf("chat list subscribe: %v", err)
		conn.Close()
		client.cancel()
		return
	}
	client.watchPresence()

	go client.write()
	go client.read()
}

// watchChatList forwards chat-list snapshots to the socket for the lifetime
// of the connection.
func (c *wsClient) watchChatList() error {
	ch, err := c.sess.ChatList(c.ctx)
	if err != nil {
		return err
	}
	go func() {
		for snap := range ch {
			snap := snap
			c.queueMessage(&ServerMessage{Type: "chat_list", ChatList: &snap})
		}
	}()
	return nil
}

func (c *wsClient) watchPresence() {
	ch, _, err := c.sess.Presence(c.ctx)
	if err != nil {
		c.log.Printf("presence watch: %v", err)
		return
	}
	go func() {
		for recs := range ch {
			c.queueMessage(&ServerMessage{Type: "presence", Presence: recs})
		}
	}()
}

func (c *wsClient) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *wsClient) read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(&ServerMessage{Type: "error", Error: "invalid message"})
			continue
		}

		c.handle(&msg)
	}
}

func (c *wsClient) handle(msg *ClientMessage) {
	switch msg.Type {
	case msgOpen:
		c.openConversation(msg.ConversationId)
	case msgClose:
		c.closeConversation(msg.ConversationId)
	case msgTyping:
		c.sess.SetTyping(c.ctx, msg.ConversationId, msg.IsTyping)
	case msgLoadOlder:
		c.loadOlder(msg.ConversationId)
	case msgMarkRead:
		if err := c.sess.Mutations().MarkRead(c.ctx, msg.ConversationId); err != nil {
			c.log.Printf("mark read %s: %v", msg.ConversationId, err)
			c.queueMessage(&ServerMessage{Type: "error", ConversationId: msg.ConversationId, Error: "mark read failed"})
		}
	default:
		c.queueMessage(&ServerMessage{Type: "error", Error: "unknown message type"})
	}
}

func (c *wsClient) openConversation(conversationId string) {
	if conversationId == "" {
		c.queueMessage(&ServerMessage{Type: "error", Error: "missing conversation id"})
		return
	}

	_, ch, err := c.sess.OpenConversation(c.ctx, conversationId)
	if err == stream.ErrAlreadyOpen {
		return
	}
	if err != nil {
		c.log.Printf("open %s: %v", conversationId, err)
		c.queueMessage(&ServerMessage{Type: "error", ConversationId: conversationId, Error: "open failed"})
		return
	}

	c.openMu.Lock()
	c.open[conversationId] = struct{}{}
	c.openMu.Unlock()

	go func() {
		for snap := range ch {
			snap := snap
			c.queueMessage(&ServerMessage{Type: "messages", ConversationId: conversationId, Messages: &snap})
		}
	}()
}

func (c *wsClient) closeConversation(conversationId string) {
	c.openMu.Lock()
	delete(c.open, conversationId)
	c.openMu.Unlock()
	c.sess.CloseConversation(conversationId)
}

func (c *wsClient) loadOlder(conversationId string) {
	st, ok := c.sess.Stream(conversationId)
	if !ok {
		c.queueMessage(&ServerMessage{Type: "error", ConversationId: conversationId, Error: "conversation not open"})
		return
	}
	if err := st.LoadOlder(c.ctx); err != nil {
		c.log.Printf("load older %s: %v", conversationId, err)
		c.queueMessage(&ServerMessage{Type: "error", ConversationId: conversationId, Error: "load older failed"})
	}
}

func (c *wsClient) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *wsClient) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		c.log.Printf("ws: write: %v", err)
		return false
	}
	return true
}

// cleanup tears the session down when the socket goes away. The session owns
// the subscriptions, so closing it closes every forwarder channel above.
func (c *wsClient) cleanup() {
	close(c.stop)
	c.cancel()
	c.app.dropSession(c.sess.Tenant, c.sess.UserId)
}
