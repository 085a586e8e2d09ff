package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Realtime protocol constants (Phoenix channels, JSON serializer v1).
const (
	realtimeVSN = "1.0.0"

	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventSystem          = "system"
	eventPostgresChanges = "postgres_changes"

	phoenixTopic = "phoenix"
	joinRef      = "1"
)

// Realtime connection settings.
const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	eventBuffer    = 64
)

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type postgresChangesFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []postgresChangesFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type      string          `json:"type"`
		Schema    string          `json:"schema"`
		Table     string          `json:"table"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// Subscribe opens the realtime feed and joins the item table channel. The
// subscription ends when Close is called, when ctx is cancelled or when
// the server drops the connection.
func (c *Client) Subscribe(ctx context.Context) (Subscription, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.RealtimeURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing realtime: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	s := &subscription{
		conn:      conn,
		logger:    c.logger.With(zap.String("channel", c.opts.Channel)),
		topic:     "realtime:" + c.opts.Channel,
		schema:    c.opts.Schema,
		table:     c.opts.Table,
		heartbeat: c.opts.Heartbeat,
		events:    make(chan model.ChangeEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	s.ref.Store(1)

	if err := s.join(c.opts.AccessToken, c.opts.RequestTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	s.logger.Info("realtime subscription established", zap.String("table", c.opts.Table))

	return s, nil
}

// subscription is a joined realtime channel.
type subscription struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	topic     string
	schema    string
	table     string
	heartbeat time.Duration

	events chan model.ChangeEvent
	done   chan struct{}

	writeMu   sync.Mutex
	ref       atomic.Uint64
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Events delivers validated changes in arrival order.
func (s *subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

// Close leaves the channel and closes the connection.
func (s *subscription) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.done)

		if leaveErr := s.send(s.topic, eventLeave, struct{}{}); leaveErr != nil {
			s.logger.Debug("failed to send leave", zap.Error(leaveErr))
		}

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe")
		if writeErr := s.conn.WriteMessage(websocket.CloseMessage, closeMsg); writeErr != nil {
			s.logger.Debug("failed to send close message", zap.Error(writeErr))
		}
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.wg.Wait()

		s.logger.Info("realtime subscription closed")
	})

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing realtime connection: %w", err)
	}

	return nil
}

// join sends phx_join and waits for the matching reply. Changes that
// arrive before the reply are queued while the event buffer has room.
func (s *subscription) join(accessToken string, timeout time.Duration) error {
	payload := joinPayload{AccessToken: accessToken}
	payload.Config.PostgresChanges = []postgresChangesFilter{{
		Event:  "*",
		Schema: s.schema,
		Table:  s.table,
	}}

	if err := s.sendRef(s.topic, eventJoin, payload, joinRef); err != nil {
		return fmt.Errorf("sending join: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting join deadline: %w", err)
	}
	defer func() {
		_ = s.conn.SetReadDeadline(time.Time{})
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for join reply: %w", err)
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}

		if msg.Event != eventReply || msg.Topic != s.topic || msg.Ref == nil || *msg.Ref != joinRef {
			s.dispatchEarly(msg)
			continue
		}

		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decoding join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s", ErrJoinRejected, string(reply.Response))
		}

		return nil
	}
}

// readLoop decodes frames until the connection ends.
func (s *subscription) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("realtime connection lost", zap.Error(err))
			}
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}

		s.dispatch(msg)
	}
}

// dispatch handles a single frame outside of the join handshake.
func (s *subscription) dispatch(msg phxMessage) {
	switch msg.Event {
	case eventPostgresChanges:
		ev, ok := s.decodeChange(msg)
		if !ok {
			return
		}

		select {
		case s.events <- ev:
		case <-s.done:
		}
	case eventReply:
		if msg.Topic == phoenixTopic {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
			s.logger.Warn("realtime request failed",
				zap.String("status", reply.Status),
				zap.ByteString("response", reply.Response),
			)
		}
	case eventError, eventClose:
		s.logger.Warn("realtime channel closed by server", zap.String("event", msg.Event))
	case eventSystem:
		s.logger.Debug("realtime system message", zap.ByteString("payload", msg.Payload))
	default:
		s.logger.Debug("ignoring realtime frame", zap.String("event", msg.Event))
	}
}

// dispatchEarly handles a frame received during the join handshake.
// Nobody reads events yet, so changes that do not fit the buffer are
// dropped instead of stalling the handshake.
func (s *subscription) dispatchEarly(msg phxMessage) {
	if msg.Event != eventPostgresChanges {
		s.dispatch(msg)
		return
	}

	ev, ok := s.decodeChange(msg)
	if !ok {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping change received before join completed",
			zap.String("type", string(ev.Kind)),
		)
	}
}

// decodeChange turns a postgres_changes frame for the item table into a
// validated event.
func (s *subscription) decodeChange(msg phxMessage) (model.ChangeEvent, bool) {
	var payload changesPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.logger.Warn("dropping malformed change payload", zap.Error(err))
		return model.ChangeEvent{}, false
	}
	if payload.Data.Table != "" && payload.Data.Table != s.table {
		return model.ChangeEvent{}, false
	}

	ev, err := model.DecodeChange(payload.Data.Type, payload.Data.Record, payload.Data.OldRecord)
	if err != nil {
		s.logger.Warn("dropping invalid change", zap.String("type", payload.Data.Type), zap.Error(err))
		return model.ChangeEvent{}, false
	}

	return ev, true
}

// heartbeatLoop keeps the socket alive.
func (s *subscription) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(phoenixTopic, eventHeartbeat, struct{}{}); err != nil {
				s.logger.Debug("failed to send heartbeat", zap.Error(err))
				return
			}
		}
	}
}

// send writes a frame with the next ref.
func (s *subscription) send(topic, event string, payload any) error {
	ref := strconv.FormatUint(s.ref.Add(1), 10)
	return s.sendRef(topic, event, payload, ref)
}

func (s *subscription) sendRef(topic, event string, payload any, ref string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := phxMessage{
		Topic:   topic,
		Event:   event,
		Payload: data,
		Ref:     &ref,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return s.conn.WriteJSON(msg)
}
