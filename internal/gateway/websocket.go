package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	logx "chatty/pkg/logx"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

var (
	ErrSendBufferFull = errors.New("gateway: send buffer full")
	ErrTransportDone  = errors.New("gateway: transport closed")
)

// wsTransport queues frames for a single write pump. Close is idempotent and
// never blocks on the socket.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	once   sync.Once
	reason string
}

func newWSTransport(conn *websocket.Conn, buffer int) *wsTransport {
	return &wsTransport{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportDone
	default:
	}
	select {
	case t.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) Close(reason string) error {
	t.once.Do(func() {
		t.reason = reason
		close(t.done)
	})
	return nil
}

// writePump owns every write on the socket. It exits when the transport is
// closed or a write fails.
func (t *wsTransport) writePump(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()
	for {
		select {
		case <-t.done:
			// flush what was queued before the close, then say goodbye
			for n := len(t.send); n > 0; n-- {
				_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := t.conn.WriteMessage(websocket.TextMessage, <-t.send); err != nil {
					return
				}
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(t.reason))
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close reasons must fit in a control frame
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

type HandlerOptions struct {
	// SendBuffer is the number of frames queued per socket before the client
	// is considered too slow.
	SendBuffer int
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	// UserID extracts the caller's identity. Defaults to the "user" query
	// parameter.
	UserID func(r *http.Request) string
	Log    logx.Logger
}

// Handler serves the WebSocket endpoint of a Gateway.
type Handler struct {
	gw       *Gateway
	opts     HandlerOptions
	upgrader websocket.Upgrader
	log      logx.Logger
}

func NewHandler(gw *Gateway, opts HandlerOptions) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.UserID == nil {
		opts.UserID = func(r *http.Request) string { return r.URL.Query().Get("user") }
	}
	return &Handler{
		gw:   gw,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		log: opts.Log.With(logx.String("comp", "gateway.ws")),
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		h.log.Debug("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}

	t := newWSTransport(conn, h.opts.SendBuffer)
	c := h.gw.Open(t, h.opts.UserID(r))
	if err := h.gw.Handshake(c.ID()); err != nil {
		_ = h.gw.Close(c.ID(), "handshake failed")
		_ = conn.Close()
		return
	}
	_ = t.Send(encodeFrame(ServerFrame{Type: FrameWelcome, ConnID: c.ID()}))

	go t.writePump(h.gw.HeartbeatInterval())
	h.readPump(r.Context(), c, conn)
}

func (h *Handler) readPump(ctx context.Context, c *Connection, conn *websocket.Conn) {
	id := c.ID()
	reason := "client closed"
	defer func() { _ = h.gw.Close(id, reason) }()

	window := h.gw.LivenessWindow()
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(window))
	conn.SetPongHandler(func(string) error {
		_ = h.gw.Heartbeat(id)
		return conn.SetReadDeadline(time.Now().Add(window))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read ended", logx.String("conn", id), logx.Err(err))
				reason = "read error"
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(window))
		_ = h.gw.Heartbeat(id)

		reply := h.dispatch(ctx, id, data)
		if reply.Type == "" {
			continue
		}
		if err := c.t.Send(encodeFrame(reply)); err != nil {
			reason = "slow consumer"
			return
		}
	}
}

// dispatch applies one client frame and returns the reply to send, if any.
func (h *Handler) dispatch(ctx context.Context, id string, data []byte) ServerFrame {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{Type: FrameError, Error: "malformed frame"}
	}
	var err error
	switch f.Type {
	case FramePing:
		return ServerFrame{Type: FramePong, Ref: f.Ref}
	case FrameSubscribe:
		err = h.gw.Subscribe(id, f.Room)
	case FrameUnsubscribe:
		err = h.gw.Unsubscribe(id, f.Room)
	case FrameEmit:
		err = h.gw.Emit(ctx, id, f.Event, f.Payload)
	default:
		return ServerFrame{Type: FrameError, Ref: f.Ref, Error: "unknown frame type " + f.Type}
	}
	if err != nil {
		return ServerFrame{Type: FrameError, Ref: f.Ref, Room: f.Room, Event: f.Event, Error: err.Error()}
	}
	return ServerFrame{Type: FrameAck, Ref: f.Ref, Room: f.Room, Event: f.Event}
}
