// Package wsserver streams escrow events to websocket subscribers.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tidemark/escrowd/core/events"
	"github.com/tidemark/escrowd/internal/observability"
)

const (
	feedWriteTimeout    = 5 * time.Second
	feedPingInterval    = 20 * time.Second
	feedDefaultBuffer   = 64
	feedCloseSlowReason = "event backlog exceeded"
)

type client struct {
	ch       chan events.Event
	escrowID string
}

// Feed fans escrow events out to connected websocket clients. It plugs into
// the event dispatcher as a subscriber and never blocks the emitting path:
// clients that cannot keep up are disconnected.
type Feed struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
}

// FeedOption customises a Feed at construction.
type FeedOption func(*Feed)

// WithClientBuffer overrides the per-client event buffer size.
func WithClientBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// NewFeed constructs an empty websocket event feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		clients: make(map[*client]struct{}),
		buffer:  feedDefaultBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Deliver implements the dispatcher subscriber contract. Slow clients are
// dropped rather than letting their backlog stall event emission.
func (f *Feed) Deliver(_ context.Context, evt events.Event) error {
	f.mu.Lock()
	var dropped []*client
	for c := range f.clients {
		if c.escrowID != "" && c.escrowID != evt.EscrowID {
			continue
		}
		select {
		case c.ch <- evt:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(f.clients, c)
		close(c.ch)
	}
	f.mu.Unlock()

	if len(dropped) > 0 {
		observability.Log().Warn("dropped slow websocket subscribers",
			observability.Field{Key: "count", Value: len(dropped)},
			observability.Field{Key: "event_kind", Value: string(evt.Kind)},
		)
	}
	return nil
}

// ClientCount reports the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) register(escrowID string) *client {
	c := &client{
		ch:       make(chan events.Event, f.buffer),
		escrowID: escrowID,
	}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	return c
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
	f.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// The optional escrow_id query parameter narrows the feed to one escrow.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()

	c := f.register(r.URL.Query().Get("escrow_id"))
	defer f.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain inbound frames so close handshakes and pongs are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(feedPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case evt, ok := <-c.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, feedCloseSlowReason)
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
