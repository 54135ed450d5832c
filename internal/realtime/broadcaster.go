// Package realtime streams notify events to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/notify"
)

const defaultSendBuffer = 64

// Config tunes per-client buffering.
type Config struct {
	// SendBuffer is the number of frames queued per client before frames are
	// dropped for that client (default 64).
	SendBuffer int
	Logger     *zap.Logger
}

// Broadcaster is a notify.Sink that fans events out to connected clients.
// A slow client loses frames; it never stalls other clients or the hub.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send chan []byte
	addr string
}

// New returns an empty Broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger.Named("realtime"),
		clients: make(map[*client]struct{}),
	}
}

// Handler upgrades requests to WebSocket connections. Browsers on other
// origins are accepted; access control belongs to the surrounding router.
func (b *Broadcaster) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   b.serve,
	}
}

// Count reports the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Consume serializes each event once and queues it for every client.
func (b *Broadcaster) Consume(_ context.Context, batch []notify.Event) error {
	frames := make([][]byte, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", evt.Name, err)
		}
		frames = append(frames, data)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		for _, frame := range frames {
			select {
			case c.send <- frame:
			default:
				b.logger.Debug("client buffer full, dropping frame", zap.String("remote", c.addr))
			}
		}
	}
	return nil
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for c := range b.clients {
		close(c.send)
		delete(b.clients, c)
	}
	metrics.SetRealtimeClients(0)
	return nil
}

func (b *Broadcaster) serve(ws *websocket.Conn) {
	c := &client{send: make(chan []byte, b.cfg.SendBuffer), addr: ws.Request().RemoteAddr}
	if !b.register(c) {
		return
	}
	b.logger.Debug("client connected", zap.String("remote", c.addr))

	go b.readLoop(ws, c)

	for frame := range c.send {
		if err := websocket.Message.Send(ws, string(frame)); err != nil {
			b.logger.Debug("client write failed", zap.String("remote", c.addr), zap.Error(err))
			b.unregister(c)
			break
		}
	}
	_ = ws.Close()
	b.logger.Debug("client disconnected", zap.String("remote", c.addr))
}

// readLoop discards inbound frames and unregisters the client once the
// connection drops.
func (b *Broadcaster) readLoop(ws *websocket.Conn, c *client) {
	var discard string
	for {
		if err := websocket.Message.Receive(ws, &discard); err != nil {
			b.unregister(c)
			return
		}
	}
}

func (b *Broadcaster) register(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	metrics.SetRealtimeClients(len(b.clients))
	return true
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
	metrics.SetRealtimeClients(len(b.clients))
}
