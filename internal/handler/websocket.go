package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/search"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

// WebSocket configuration constants.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	closeGrace     = time.Second
)

// clientRequest is a decoded client message handed to the write pump.
type clientRequest struct {
	kind   string
	params view.CriteriaParams
	err    string
}

type wsClient struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// WebSocketHandler serves live views: each connection holds its own
// criteria and receives a fresh view whenever the collection changes.
type WebSocketHandler struct {
	upgrader  websocket.Upgrader
	writeWait time.Duration
	source    LiveCollection
	pipeline  *search.Pipeline
	location  *time.Location
	logger    *zap.Logger
	mu        sync.RWMutex
	clients   map[*websocket.Conn]*wsClient
}

// NewWebSocketHandler creates a new WebSocketHandler instance. A nil
// checkOrigin accepts every origin.
func NewWebSocketHandler(
	source LiveCollection,
	pipeline *search.Pipeline,
	location *time.Location,
	checkOrigin func(*http.Request) bool,
	logger *zap.Logger,
) *WebSocketHandler {
	if pipeline == nil {
		pipeline = search.NewPipeline(nil)
	}
	if location == nil {
		location = time.UTC
	}
	if checkOrigin == nil {
		checkOrigin = func(_ *http.Request) bool { return true }
	}

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		writeWait: writeWait,
		source:    source,
		pipeline:  pipeline,
		location:  location,
		logger:    logger,
		clients:   make(map[*websocket.Conn]*wsClient),
	}
}

// RegisterRoutes registers the WebSocket routes with the router.
func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
}

// HandleWebSocket handles WebSocket connection requests.
//
//nolint:contextcheck // intentional: WebSocket connections outlive the HTTP request context
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())

	client := &wsClient{
		id:     uuid.New().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()

	logger := h.logger.With(zap.String("session_id", client.id))
	logger.Info("websocket client connected", zap.String("remote_addr", conn.RemoteAddr().String()))

	requests := make(chan clientRequest)

	go h.writePump(ctx, conn, client, requests, logger)
	go h.readPump(ctx, conn, cancel, requests, logger)
}

// readPump decodes client messages and forwards them to the write pump.
func (h *WebSocketHandler) readPump(
	ctx context.Context,
	conn *websocket.Conn,
	cancel context.CancelFunc,
	requests chan<- clientRequest,
	logger *zap.Logger,
) {
	defer func() {
		cancel()
		h.removeClient(conn)
		if err := conn.Close(); err != nil {
			logger.Debug("error closing connection", zap.Error(err))
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Error("failed to set read deadline", zap.Error(err))
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		req := decodeClientRequest(message)
		logger.Debug("received message", zap.String("type", req.kind))

		select {
		case requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

// decodeClientRequest parses a client message.
func decodeClientRequest(message []byte) clientRequest {
	var msg model.WebSocketMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return clientRequest{err: "invalid message"}
	}

	switch msg.Type {
	case model.WSMessageTypePing:
		return clientRequest{kind: msg.Type}
	case model.WSMessageTypeCriteria:
		var params view.CriteriaParams
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &params); err != nil {
				return clientRequest{err: "invalid criteria payload"}
			}
		}
		return clientRequest{kind: msg.Type, params: params}
	default:
		return clientRequest{err: "unsupported message type: " + msg.Type}
	}
}

// writePump owns the session and is the only writer on conn. It sends a
// view on connect, after every criteria change and after every
// collection change. A failed write ends the session: the connection is
// closed so that the read pump stops as well.
func (h *WebSocketHandler) writePump(
	ctx context.Context,
	conn *websocket.Conn,
	client *wsClient,
	requests <-chan clientRequest,
	logger *zap.Logger,
) {
	changes, unwatch := h.source.Watch()
	pingTicker := time.NewTicker(pingPeriod)
	session := view.NewSession(h.pipeline, h.location)

	defer func() {
		pingTicker.Stop()
		unwatch()
		client.cancel()
		close(client.done)
	}()

	abort := func(msg string, err error) {
		logger.Debug(msg, zap.Error(err))
		if err := conn.Close(); err != nil {
			logger.Debug("error closing connection", zap.Error(err))
		}
	}

	if err := h.sendView(conn, session); err != nil {
		abort("failed to send initial view", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.sendCloseMessage(conn, logger)
			return
		case <-changes:
			if !session.Stale(h.source.Snapshot().Version) {
				continue
			}
			if err := h.sendView(conn, session); err != nil {
				abort("failed to send view", err)
				return
			}
		case req := <-requests:
			if err := h.handleRequest(conn, session, req); err != nil {
				abort("failed to answer client", err)
				return
			}
		case <-pingTicker.C:
			if err := h.sendPing(conn); err != nil {
				abort("failed to send ping", err)
				return
			}
		}
	}
}

// handleRequest applies a client request to the session.
func (h *WebSocketHandler) handleRequest(conn *websocket.Conn, session *view.Session, req clientRequest) error {
	if req.err != "" {
		return h.sendMessage(conn, model.NewErrorMessage(req.err))
	}

	switch req.kind {
	case model.WSMessageTypePing:
		return h.sendMessage(conn, model.NewPongMessage())
	case model.WSMessageTypeCriteria:
		if err := session.SetParams(req.params); err != nil {
			return h.sendMessage(conn, model.NewErrorMessage(err.Error()))
		}
		return h.sendView(conn, session)
	default:
		return nil
	}
}

// sendView renders the session against the current snapshot.
func (h *WebSocketHandler) sendView(conn *websocket.Conn, session *view.Session) error {
	msg, err := model.NewViewMessage(session.Render(h.source.Snapshot()))
	if err != nil {
		return err
	}
	return h.sendMessage(conn, msg)
}

// sendMessage writes a JSON message to the connection.
func (h *WebSocketHandler) sendMessage(conn *websocket.Conn, msg model.WebSocketMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// sendPing sends a ping message to the connection.
func (h *WebSocketHandler) sendPing(conn *websocket.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// sendCloseMessage sends a close message to the connection.
func (h *WebSocketHandler) sendCloseMessage(conn *websocket.Conn, logger *zap.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		logger.Debug("failed to set write deadline for close", zap.Error(err))
		return
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")
	if err := conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		logger.Debug("failed to send close message", zap.Error(err))
	}
}

// removeClient removes a client from the clients map.
func (h *WebSocketHandler) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, exists := h.clients[conn]; exists {
		client.cancel()
		delete(h.clients, conn)
		h.logger.Info("websocket client disconnected",
			zap.String("session_id", client.id),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		)
	}
}

// ClientCount returns the number of connected live views.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// CloseAllConnections closes all active WebSocket connections.
func (h *WebSocketHandler) CloseAllConnections() {
	h.mu.Lock()
	clients := make(map[*websocket.Conn]*wsClient, len(h.clients))
	for conn, client := range h.clients {
		clients[conn] = client
	}
	h.mu.Unlock()

	// Cancelling makes each write pump send a close frame before exiting.
	for _, client := range clients {
		client.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()

	for _, client := range clients {
		select {
		case <-client.done:
		case <-ctx.Done():
		}
	}

	h.mu.Lock()
	for conn := range h.clients {
		if err := conn.Close(); err != nil {
			h.logger.Debug("error closing connection", zap.Error(err))
		}
		delete(h.clients, conn)
	}
	h.mu.Unlock()

	h.logger.Info("all websocket connections closed", zap.Int("clients", len(clients)))
}
