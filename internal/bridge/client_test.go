package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type bridgeHarness struct {
	surface *fakeSurface
	child   *Child
	client  *Client
	events  *clientEvents
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

type clientEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *clientEvents) record(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *clientEvents) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, event := range c.events {
		names = append(names, event.Name)
	}
	return names
}

func startPipeBridge(t *testing.T, surface *fakeSurface) *bridgeHarness {
	t.Helper()
	parentConn, childConn := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	harness := &bridgeHarness{surface: surface, events: &clientEvents{}, cancel: cancel}
	harness.child = NewChild(childConn, surface, Options{NewID: sequentialIDs()})
	harness.client = NewClient(parentConn, ClientOptions{OnEvent: harness.events.record})

	harness.done.Add(2)
	go func() {
		defer harness.done.Done()
		if err := harness.child.Serve(ctx); err != nil {
			t.Errorf("serve child: %v", err)
		}
	}()
	go func() {
		defer harness.done.Done()
		if err := harness.client.Run(ctx); err != nil {
			t.Errorf("run client: %v", err)
		}
	}()
	return harness
}

func (h *bridgeHarness) stop() {
	h.cancel()
	_ = h.client.Close()
	h.done.Wait()
}

func TestClientCallsChildOverPipe(t *testing.T) {
	defer goleak.VerifyNone(t)
	harness := startPipeBridge(t, newFakeSurface(0, 1))
	defer harness.stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	id, err := harness.client.Add(ctx, Entry{Intern: json.RawMessage(`{"color":"red"}`)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id != "entry-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if err := harness.client.SetAll(ctx, []Entry{
		{ID: "a", Page: intPtr(0), Intern: json.RawMessage(`{"n":1}`)},
		{ID: "b", Page: intPtr(1), Intern: json.RawMessage(`{"n":2}`)},
	}); err != nil {
		t.Fatalf("set all: %v", err)
	}
	all, err := harness.client.GetAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("get all: %v %+v", err, all)
	}

	if err := harness.client.Select(ctx, "b"); err != nil {
		t.Fatalf("select: %v", err)
	}
	selected, err := harness.client.Selected(ctx)
	if err != nil || selected == nil || selected.ID != "b" {
		t.Fatalf("selected: %v %+v", err, selected)
	}
	if err := harness.client.Update(ctx, Entry{ID: "b", Page: intPtr(1), Intern: json.RawMessage(`{"n":3}`)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	found, err := harness.client.Get(ctx, "b")
	if err != nil || found == nil || string(found.Intern) != `{"n":3}` {
		t.Fatalf("get: %v %+v", err, found)
	}
	missing, err := harness.client.Get(ctx, "zzz")
	if err != nil || missing != nil {
		t.Fatalf("expected missing entry to be nil, got %+v %v", missing, err)
	}
	if err := harness.client.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page, err := harness.client.CurrentPage(ctx)
	if err != nil || page != 0 {
		t.Fatalf("current page: %v %d", err, page)
	}
	if err := harness.client.Select(ctx, "zzz"); !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed for unknown entry, got %v", err)
	}
	if err := harness.client.call(ctx, false, "rebuild", nil); !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed for unknown action, got %v", err)
	}

	names := harness.events.names()
	if len(names) == 0 || names[0] != EventReady {
		t.Fatalf("expected ready as first event, got %v", names)
	}
}

func TestClientForwardsViewerEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	surface := newFakeSurface(0)
	harness := startPipeBridge(t, surface)
	defer harness.stop()

	<-harness.client.Ready()
	surface.place(0, json.RawMessage(`{"color":"green"}`))
	harness.child.Synchronizer().ParamsChanged()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		names := harness.events.names()
		if len(names) >= 3 && names[1] == EventCreate && names[2] == EventSelect {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected create and select events, got %v", harness.events.names())
}

func TestClientCallAfterCloseFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	harness := startPipeBridge(t, newFakeSurface(0))
	harness.stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := harness.client.GetAll(ctx); !errors.Is(err, ErrClientClosed) && !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestBridgeOverWebSocket(t *testing.T) {
	surface := newFakeSurface(0)
	served := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		child := NewChild(conn, surface, Options{NewID: sequentialIDs()})
		served <- child.Serve(r.Context())
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := NewClient(conn, ClientOptions{})
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	id, err := client.Add(ctx, Entry{Intern: json.RawMessage(`{"color":"red"}`)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	all, err := client.GetAll(ctx)
	if err != nil || len(all) != 1 || all[0].ID != id {
		t.Fatalf("get all: %v %+v", err, all)
	}

	_ = client.Close()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-served:
	case <-time.After(waitTimeout):
		t.Fatalf("expected the child to stop after the parent closed")
	}
}
