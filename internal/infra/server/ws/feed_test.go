package wsserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tidemark/escrowd/core/events"
)

func testEvent(escrowID string, kind events.Kind) events.Event {
	return events.New(escrowID, kind, nil, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func waitForClients(t *testing.T, feed *Feed, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for feed.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", feed.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return evt
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestFeedStreamsEvents(t *testing.T) {
	feed := NewFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	defer conn.Close(websocket.StatusNormalClosure, "done")
	waitForClients(t, feed, 1)

	if err := feed.Deliver(context.Background(), testEvent("escrow-1", events.KindFunded)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.EscrowID != "escrow-1" || evt.Kind != events.KindFunded {
		t.Fatalf("event = %+v", evt)
	}
}

func TestFeedFiltersByEscrowID(t *testing.T) {
	feed := NewFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL)+"?escrow_id=escrow-2")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	waitForClients(t, feed, 1)

	_ = feed.Deliver(context.Background(), testEvent("escrow-1", events.KindFunded))
	_ = feed.Deliver(context.Background(), testEvent("escrow-2", events.KindClosed))

	evt := readEvent(t, conn)
	if evt.EscrowID != "escrow-2" || evt.Kind != events.KindClosed {
		t.Fatalf("filtered feed delivered %+v", evt)
	}
}

func TestFeedDropsSlowClient(t *testing.T) {
	feed := NewFeed(WithClientBuffer(1))
	c := feed.register("")

	// Nothing drains the buffer: the first event fills it and the second
	// evicts the subscriber.
	_ = feed.Deliver(context.Background(), testEvent("escrow-1", events.KindFilled))
	_ = feed.Deliver(context.Background(), testEvent("escrow-1", events.KindFilled))

	if feed.ClientCount() != 0 {
		t.Fatal("slow client was not dropped")
	}
	if _, ok := <-c.ch; !ok {
		t.Fatal("buffered event lost on eviction")
	}
	if _, ok := <-c.ch; ok {
		t.Fatal("channel must be closed after eviction")
	}
}

func TestFeedClientCountTracksDisconnect(t *testing.T) {
	feed := NewFeed()
	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, wsURL(srv.URL))
	waitForClients(t, feed, 1)
	conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, feed, 0)
}

func TestFeedDeliverWithoutClients(t *testing.T) {
	feed := NewFeed()
	if err := feed.Deliver(context.Background(), testEvent("escrow-1", events.KindCreated)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}
