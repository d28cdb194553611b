package render

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrOverlayClosed is the shutdown cause raised when an overlay client
// asks the engine to stop.
var ErrOverlayClosed = errors.New("overlay closed by user")

const (
	overlayWriteWait  = 5 * time.Second
	overlayPongWait   = 60 * time.Second
	overlayPingPeriod = 45 * time.Second
	overlaySendQueue  = 8
)

type OverlayMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Version uint64 `json:"version,omitempty"`
}

type overlayClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Overlay pushes caption text to browser overlay clients over WebSocket.
// A client message {"type":"close"} calls onClose with ErrOverlayClosed.
type Overlay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	onClose  func(error)
	allowed  []string

	mu      sync.Mutex
	clients map[*overlayClient]struct{}
	last    []byte
	version uint64
	closed  bool
}

// NewOverlay builds an overlay hub. Browser clients are accepted only from
// loopback origins or from an origin (full origin or bare host) listed in
// allowedOrigins; requests without an Origin header are always accepted.
func NewOverlay(logger *slog.Logger, onClose func(error), allowedOrigins []string) *Overlay {
	if onClose == nil {
		onClose = func(error) {}
	}
	o := &Overlay{
		logger:  logger.With(slog.String("component", "overlay")),
		onClose: onClose,
		allowed: allowedOrigins,
		clients: make(map[*overlayClient]struct{}),
	}
	o.upgrader = websocket.Upgrader{
		CheckOrigin:     o.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024 * 4,
	}
	return o
}

func (o *Overlay) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, allowed := range o.allowed {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, host) {
			return true
		}
	}
	o.logger.Warn("rejected overlay client", slog.String("origin", origin))
	return false
}

// SetText broadcasts text. Clients whose queue is full skip this update;
// they receive the next one.
func (o *Overlay) SetText(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.version++
	data, err := json.Marshal(OverlayMessage{Type: "caption", Text: text, Version: o.version})
	if err != nil {
		o.logger.Warn("failed to encode caption", slogError(err))
		return
	}
	o.last = data
	for c := range o.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients reports the number of connected overlay clients.
func (o *Overlay) Clients() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.clients)
}

func (o *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	client := &overlayClient{conn: conn, send: make(chan []byte, overlaySendQueue)}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return
	}
	o.clients[client] = struct{}{}
	if o.last != nil {
		client.send <- o.last
	}
	o.mu.Unlock()

	go o.writeLoop(client)
	o.readLoop(client)
}

func (o *Overlay) readLoop(c *overlayClient) {
	defer o.remove(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(overlayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(overlayPongWait))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				o.logger.Debug("overlay client disconnected", slogError(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(overlayPongWait))
		if mt != websocket.TextMessage {
			continue
		}
		var msg OverlayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "close" {
			o.logger.Info("overlay requested shutdown")
			o.onClose(ErrOverlayClosed)
		}
	}
}

func (o *Overlay) writeLoop(c *overlayClient) {
	ticker := time.NewTicker(overlayPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(overlayWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(overlayWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (o *Overlay) remove(c *overlayClient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.clients[c]; ok {
		delete(o.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and rejects new ones.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for c := range o.clients {
		delete(o.clients, c)
		close(c.send)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
