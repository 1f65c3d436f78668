package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/bookreview/internal/message"
	"github.com/christopherjohns/bookreview/internal/metrics"
	"github.com/christopherjohns/bookreview/internal/ratelimit"
	"github.com/christopherjohns/bookreview/internal/room"
)

const (
	defaultHistorySize      = 50
	defaultMaxMessageLength = 2000
	maxUsernameLength       = 64
)

// Handler upgrades HTTP requests to WebSocket connections and translates
// client events into room registry operations.
type Handler struct {
	registry *room.Registry
	conns    *ConnManager
	messages message.MessageStore
	limiter  *ratelimit.Window
	metrics  *metrics.Metrics
	log      *zap.Logger

	originPatterns   []string
	historySize      int
	maxMessageLength int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMessageStore keeps chat history in s and replays it to joiners.
func WithMessageStore(s message.MessageStore) HandlerOption {
	return func(h *Handler) { h.messages = s }
}

// WithHistorySize sets how many recent messages a joiner receives.
func WithHistorySize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.historySize = n
		}
	}
}

// WithMaxMessageLength caps the length in bytes of a trimmed chat message.
func WithMaxMessageLength(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageLength = n
		}
	}
}

// WithMessageRate limits each connection to max messages per window.
func WithMessageRate(max int, window time.Duration) HandlerOption {
	return func(h *Handler) {
		if max > 0 && window > 0 {
			h.limiter = ratelimit.NewWindow(max, window)
		}
	}
}

// WithOriginPatterns sets the origins allowed to open a socket. "*" allows
// any origin.
func WithOriginPatterns(patterns []string) HandlerOption {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithHandlerMetrics counts chat messages on m.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(registry *room.Registry, conns *ConnManager, log *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:         registry,
		conns:            conns,
		log:              log,
		historySize:      defaultHistorySize,
		maxMessageLength: defaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// session is the per-connection state owned by one read loop.
type session struct {
	client *Client
	handle *room.Handle
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(int64(4*h.maxMessageLength + 1024))

	id := uuid.NewString()
	client := newClient(id, conn, h.conns)
	s := &session{client: client, handle: room.NewHandle(id, client)}

	connCtx, ok := h.conns.Add(client)
	if !ok {
		return
	}
	log := h.log.With(zap.String("client", id))
	log.Debug("client connected")

	defer func() {
		h.conns.Remove(client)
		if name := h.registry.Disconnect(s.handle); name != "" {
			h.notice(name, s.handle.Username(), message.ActionLeave, leftNotice(s.handle.Username()))
		}
		if h.limiter != nil {
			h.limiter.Forget(id)
		}
		log.Debug("client disconnected")
	}()

	h.readLoop(connCtx, s, log)
}

// readLoop reads envelopes until the connection closes or the connection
// manager cancels ctx.
func (h *Handler) readLoop(ctx context.Context, s *session, log *zap.Logger) {
	for {
		_, data, err := s.client.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		h.conns.TouchActivity(s.client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(s, "invalid JSON")
			continue
		}

		switch env.Type {
		case EventJoin:
			var p JoinPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.sendError(s, "invalid join payload")
				continue
			}
			h.handleJoin(s, p)
		case EventMessage:
			var p MessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.sendError(s, "invalid message payload")
				continue
			}
			h.handleMessage(ctx, s, p)
		case EventLeave:
			var p LeavePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.sendError(s, "invalid leave payload")
				continue
			}
			h.handleLeave(s, p)
		default:
			h.sendError(s, fmt.Sprintf("unknown event type %q", env.Type))
		}
	}
}

func (h *Handler) handleJoin(s *session, p JoinPayload) {
	name := strings.TrimSpace(p.Room)
	if name == "" {
		h.sendError(s, "room is required")
		return
	}
	username := strings.TrimSpace(p.Username)
	if username == "" {
		username = "anon-" + s.handle.ID()[:6]
	}
	if len(username) > maxUsernameLength {
		h.sendError(s, fmt.Sprintf("username exceeds maximum length of %d characters", maxUsernameLength))
		return
	}

	oldName := s.handle.Username()
	s.handle.SetUsername(username)
	if previous := h.registry.Join(name, s.handle); previous != "" {
		h.notice(previous, oldName, message.ActionLeave, leftNotice(oldName))
	}

	h.sendHistory(s, name)
	h.notice(name, username, message.ActionJoin, joinedNotice(username))
}

func (h *Handler) handleMessage(ctx context.Context, s *session, p MessagePayload) {
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, s.handle.ID()); !ok {
			h.sendError(s, "rate limit exceeded, slow down")
			return
		}
	}

	name := strings.TrimSpace(p.Room)
	content := strings.TrimSpace(p.Message)
	if content == "" {
		h.sendError(s, "message content is required")
		return
	}
	if len(content) > h.maxMessageLength {
		h.sendError(s, fmt.Sprintf("message exceeds maximum length of %d characters", h.maxMessageLength))
		return
	}
	if name == "" || s.handle.Room() != name {
		h.sendError(s, "not a member of room "+name)
		return
	}

	msg := &message.Message{
		ID:        uuid.NewString(),
		Room:      name,
		Username:  s.handle.Username(),
		Content:   content,
		Type:      message.TypeChat,
		CreatedAt: time.Now().UTC(),
	}
	if h.messages != nil {
		h.messages.Append(msg)
	}
	if h.metrics != nil {
		h.metrics.ChatMessages.Inc()
	}
	h.broadcast(name, TypeChat, msg)
}

func (h *Handler) handleLeave(s *session, p LeavePayload) {
	name := strings.TrimSpace(p.Room)
	if name == "" || s.handle.Room() != name {
		h.sendError(s, "not a member of room "+name)
		return
	}
	username := strings.TrimSpace(p.Username)
	if username == "" {
		username = s.handle.Username()
	}

	h.notice(name, username, message.ActionLeave, leftNotice(username))
	if err := h.registry.Leave(name, s.handle); err != nil {
		h.log.Debug("leave", zap.String("client", s.handle.ID()), zap.Error(err))
	}
}

// notice broadcasts a system message to every member of the room.
func (h *Handler) notice(name, username string, action message.Action, content string) {
	h.broadcast(name, TypeSystem, &message.Message{
		ID:        uuid.NewString(),
		Room:      name,
		Username:  username,
		Content:   content,
		Type:      message.TypeSystem,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	})
}

func (h *Handler) broadcast(name, typ string, msg *message.Message) {
	data, err := encode(typ, msg)
	if err != nil {
		h.log.Error("encode broadcast", zap.Error(err))
		return
	}
	if _, err := h.registry.Broadcast(name, data, nil); err != nil {
		// The room emptied between the membership change and the broadcast.
		h.log.Debug("broadcast", zap.String("room", name), zap.Error(err))
	}
}

// sendHistory sends recent messages to a newly joined client. An empty
// history envelope is still sent so clients can rely on receiving it as
// part of the join handshake.
func (h *Handler) sendHistory(s *session, name string) {
	if h.messages == nil {
		return
	}
	recent := h.messages.Recent(name, h.historySize)
	if recent == nil {
		recent = []*message.Message{}
	}
	data, err := encode(TypeHistory, recent)
	if err != nil {
		h.log.Error("encode history", zap.Error(err))
		return
	}
	s.client.Send(data)
}

// sendError writes an error envelope to one client.
func (h *Handler) sendError(s *session, msg string) {
	data, err := encode(TypeError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	s.client.Send(data)
}
