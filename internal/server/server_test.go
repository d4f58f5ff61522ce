package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/process"
	"chatsync/internal/relay"
	"chatsync/internal/stream"
)

type fakeProcs struct {
	alive map[int]bool
}

func (f fakeProcs) Check(queries []process.Query) []process.Result {
	out := make([]process.Result, 0, len(queries))
	for _, q := range queries {
		out = append(out, process.Result{PID: q.PID, Running: f.alive[q.PID]})
	}
	return out
}

func (f fakeProcs) Kill(pid int) (bool, error) {
	return f.alive[pid], nil
}

func newTestServer(t *testing.T, hub *relay.Hub) *httptest.Server {
	t.Helper()
	s := New(hub, fakeProcs{alive: map[int]bool{10: true}}, DefaultConfig(), nil)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestProcessEndpointsRoundTrip(t *testing.T) {
	ts := newTestServer(t, relay.NewHub(0))
	checker := process.NewHTTPChecker(ts.URL, ts.Client())

	results, err := checker.Check(context.Background(), []process.Query{{PID: 10, Command: "a"}, {PID: 11, Command: "b"}})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(results) != 2 || !results[0].Running || results[1].Running {
		t.Fatalf("results=%+v", results)
	}
	ok, err := checker.Kill(context.Background(), 10)
	if err != nil || !ok {
		t.Fatalf("Kill(10)=%v,%v, want true,nil", ok, err)
	}
	if _, err := checker.Kill(context.Background(), -1); !errors.Is(err, chat.ErrNetwork) {
		t.Fatalf("Kill(-1) err=%v, want ErrNetwork", err)
	}
}

func TestProcessEndpointsDisabled(t *testing.T) {
	ts := httptest.NewServer(New(nil, nil, DefaultConfig(), nil).Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/processes/check", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
}

func TestStreamNotFound(t *testing.T) {
	ts := newTestServer(t, relay.NewHub(0))
	_, err := stream.NewResumeClient(ts.URL).Dial(context.Background(), "missing")
	if !errors.Is(err, chat.ErrStreamNotFound) {
		t.Fatalf("Dial err=%v, want ErrStreamNotFound", err)
	}
}

func TestStreamReplaysAndFollows(t *testing.T) {
	hub := relay.NewHub(0)
	ts := newTestServer(t, hub)

	hub.Begin("c1", "r1")
	first, err := relay.PartFrame("r1", "m1", chat.TextPart{Text: "hel"})
	if err != nil {
		t.Fatal(err)
	}
	hub.Publish("c1", first)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src, err := stream.NewResumeClient(ts.URL).Dial(ctx, "c1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer src.Close()

	f, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	part, err := f.DecodePart()
	if err != nil {
		t.Fatalf("DecodePart: %v", err)
	}
	if tp, ok := part.(chat.TextPart); !ok || tp.Text != "hel" {
		t.Fatalf("replayed part=%#v, want text hel", part)
	}

	second, _ := relay.PartFrame("r1", "m1", chat.TextPart{Text: "lo"})
	hub.Publish("c1", second)
	hub.Publish("c1", relay.Frame{Type: relay.FrameFinish, RunID: "r1", MessageID: "m1"})

	if f, err = src.Next(ctx); err != nil || f.Type != relay.FrameData {
		t.Fatalf("Next=%+v,%v, want data frame", f, err)
	}
	if f, err = src.Next(ctx); err != nil || f.Type != relay.FrameFinish {
		t.Fatalf("Next=%+v,%v, want finish frame", f, err)
	}
	if _, err = src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after finish err=%v, want io.EOF", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, relay.NewHub(0))
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(relay.NewHub(0), nil, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
