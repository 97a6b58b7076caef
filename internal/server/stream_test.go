package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/longessay/writer-agent/internal/auth"
	"github.com/longessay/writer-agent/internal/bridge"
	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/essaysync"
)

const streamTimeout = 2 * time.Second

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, response *http.Response) <-chan sseEvent {
	t.Helper()
	events := make(chan sseEvent, 64)
	go func() {
		defer close(events)
		reader := bufio.NewReader(response.Body)
		var current sseEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()
	return events
}

func waitForEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(streamTimeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("expected %s event within deadline", name)
		}
	}
}

func TestEventStreamDeliversStoreNotifications(t *testing.T) {
	harness := newAPIHarness(t)
	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events?"+auth.TokenQueryParameter+"="+harness.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	events := readEvents(t, response)
	initial := waitForEvent(t, events, essaysync.StoreSync)
	var snapshot realtimeEventPayload
	if err := json.Unmarshal([]byte(initial.data), &snapshot); err != nil {
		t.Fatalf("decode initial event: %v", err)
	}
	if snapshot.Status == nil || !snapshot.Status.Initialized {
		t.Fatalf("expected the sync status in the initial event, got %+v", snapshot)
	}

	if err := harness.stores.Notes.SetEditText(0, "Stichworte"); err != nil {
		t.Fatalf("edit note: %v", err)
	}
	harness.stores.Notes.UpdateContent(ctx, true)

	notesEvent := waitForEvent(t, events, "notes")
	var payload realtimeEventPayload
	if err := json.Unmarshal([]byte(notesEvent.data), &payload); err != nil {
		t.Fatalf("decode notes event: %v", err)
	}
	if payload.Store != "notes" || payload.Source != realtimeSource || payload.Status != nil {
		t.Fatalf("unexpected notes event %+v", payload)
	}

	waitForEvent(t, events, realtimeEventHeartbeat)
}

func TestViewerRouteRejectsUnknownResource(t *testing.T) {
	harness := newAPIHarness(t)
	recorder := harness.do(t, http.MethodGet, "/viewer/unknown/ws", nil)
	expectStatus(t, recorder, http.StatusNotFound)
}

func TestViewerWebSocketRelaysEntries(t *testing.T) {
	harness := newAPIHarness(t)
	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/viewer/" + testResourceKey + "/ws?" + auth.TokenQueryParameter + "=" + harness.token
	conn, err := bridge.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer func() { _ = conn.Close() }()

	write := func(message bridge.Message) {
		t.Helper()
		if err := conn.Write(ctx, message); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	expectCall := func(name string) bridge.Message {
		t.Helper()
		message, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read call %s: %v", name, err)
		}
		if message.Name != name {
			t.Fatalf("expected call %s, got %+v", name, message)
		}
		return message
	}
	reply := func(call bridge.Message) {
		t.Helper()
		write(bridge.Message{Response: &bridge.Response{ID: call.ID, Value: json.RawMessage("null")}})
	}

	write(bridge.Message{Emit: &bridge.Event{Name: bridge.EventReady}})
	reply(expectCall(bridge.CallSetAll))

	page := 2
	entry, err := json.Marshal(bridge.Entry{ID: "1700000000000-123456789", Page: &page, Intern: json.RawMessage(`{"color":"red"}`)})
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}
	write(bridge.Message{Emit: &bridge.Event{Name: bridge.EventCreate, Detail: entry}})

	key := entity.AnnotationKey(testResourceKey, "1700000000000-123456789")
	deadline := time.Now().Add(streamTimeout)
	for {
		if annotation, ok := harness.stores.Annotations.Get(key); ok {
			if annotation.ParentNumber != page {
				t.Fatalf("unexpected annotation %+v", annotation)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the viewer entry to be stored")
		}
		time.Sleep(5 * time.Millisecond)
	}

	selected := make(chan int, 1)
	go func() {
		body, _ := json.Marshal(map[string]string{"key": key})
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/annotations/select", bytes.NewReader(body))
		if err != nil {
			selected <- 0
			return
		}
		request.Header.Set("Authorization", "Bearer "+harness.token)
		request.Header.Set("Content-Type", "application/json")
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			selected <- 0
			return
		}
		_ = response.Body.Close()
		selected <- response.StatusCode
	}()

	call := expectCall(bridge.CallSelect)
	var id string
	if err := json.Unmarshal(call.Args[0], &id); err != nil || id != "1700000000000-123456789" {
		t.Fatalf("unexpected select argument %s", call.Args[0])
	}
	reply(call)
	if status := <-selected; status != http.StatusOK {
		t.Fatalf("unexpected select status %d", status)
	}
}
