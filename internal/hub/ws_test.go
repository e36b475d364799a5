package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentrun/internal/eventbus"
)

func dial(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/events", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestServeHTTP_RejectsMissingToken(t *testing.T) {
	bus := eventbus.New()
	s := New(bus, "secret", nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/events", nil)
	if err == nil {
		t.Fatalf("expected dial without token to be rejected")
	}
}

func TestServeHTTP_StreamsPublishedEvents(t *testing.T) {
	bus := eventbus.New()
	s := New(bus, "secret", nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dial(t, ts.URL, "secret")

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(eventbus.TopicRunStarted, "run-1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev eventbus.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != eventbus.TopicRunStarted {
		t.Fatalf("topic = %q, want %q", ev.Topic, eventbus.TopicRunStarted)
	}
}

func TestServeHTTP_FiltersByTopicPrefix(t *testing.T) {
	bus := eventbus.New()
	s := New(bus, "secret", nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}}}
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/events?topic=run.task", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(eventbus.TopicRunStarted, "run-1")
		bus.Publish(eventbus.TopicTaskStarted, "task-1")
	}()

	var ev eventbus.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != eventbus.TopicTaskStarted {
		t.Fatalf("expected filtered topic %q, got %q", eventbus.TopicTaskStarted, ev.Topic)
	}
}
