package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"semaphore/display/internal/binding"
	"semaphore/display/internal/metrics"
	"semaphore/display/internal/model"
)

// Close codes sent when a connection is refused after the upgrade.
const (
	StatusMissingCredentials websocket.StatusCode = 4400
	StatusInvalidToken       websocket.StatusCode = 4401
	StatusDeviceConflict     websocket.StatusCode = 4403
)

// Binder authenticates a terminal. Satisfied by *binding.Service.
type Binder interface {
	Bind(ctx context.Context, token, deviceID string) (model.Screen, error)
}

type HandlerOptions struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	Buffer           int
}

type Handler struct {
	binder  Binder
	hub     *Hub
	metrics *metrics.Counters
	opts    HandlerOptions
}

func NewHandler(binder Binder, hub *Hub, counters *metrics.Counters, opts HandlerOptions) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 8
	}
	return &Handler{binder: binder, hub: hub, metrics: counters, opts: opts}
}

type message struct {
	Type     string `json:"type"`
	Revision int64  `json:"revision,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Terminals authenticate with the screen token, not cookies.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	h.metrics.WSOpened()
	defer h.metrics.WSClosed()

	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("dk")
	if token == "" || deviceID == "" {
		h.metrics.WSAuthFailed()
		conn.Close(StatusMissingCredentials, "missing credentials")
		return
	}

	authCtx, cancel := context.WithTimeout(r.Context(), h.opts.HandshakeTimeout)
	screen, err := h.binder.Bind(authCtx, token, deviceID)
	cancel()
	if err != nil {
		h.metrics.WSAuthFailed()
		code, reason := closeFor(err)
		if code == websocket.StatusInternalError {
			log.Printf("realtime auth failed: %v", err)
		}
		conn.Close(code, reason)
		return
	}

	events := make(chan Event, h.opts.Buffer)
	connID := uuid.NewString()
	if err := h.hub.Join(screen.TenantID, connID, events); err != nil {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.hub.Leave(screen.TenantID, connID)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	readErr := make(chan error, 1)
	go func() { readErr <- h.readLoop(ctx, conn, screen.ID) }()

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			if err := h.write(ctx, conn, message{Type: "invalidate", Revision: ev.Revision}); err != nil {
				conn.CloseNow()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Printf("realtime connection for screen %s ended: %v", screen.ID, err)
			}
			conn.CloseNow()
			return
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, screenID string) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ping" {
			h.metrics.WSIgnored()
			log.Printf("realtime: ignoring message from screen %s", screenID)
			continue
		}
		h.metrics.WSPing()
		if err := h.write(ctx, conn, message{Type: "pong"}); err != nil {
			return err
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, msg message) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		return err
	}
	h.metrics.WSMessageSent()
	return nil
}

func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, binding.ErrMissingDevice):
		return StatusMissingCredentials, "missing credentials"
	case errors.Is(err, binding.ErrNotFound):
		return StatusInvalidToken, "invalid token"
	case errors.Is(err, binding.ErrBound):
		return StatusDeviceConflict, "device conflict"
	default:
		return websocket.StatusInternalError, "server error"
	}
}
