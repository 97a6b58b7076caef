package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/goleak"
)

func rawArgs(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	args := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("encode arg: %v", err)
		}
		args = append(args, encoded)
	}
	return args
}

func TestChildAnswersBackToBackCallsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	parentConn, childConn := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	child := NewChild(childConn, newFakeSurface(0, 1), Options{NewID: sequentialIDs()})
	served := make(chan error, 1)
	go func() { served <- child.Serve(ctx) }()

	calls := []Message{
		{ID: 1, Name: CallAdd, Args: rawArgs(t, Entry{ID: "a", Page: intPtr(1), Intern: json.RawMessage(`{"n":1}`)})},
		{ID: 2, Name: CallSelect, Args: rawArgs(t, "a")},
		{ID: 3, Name: CallGet, Args: rawArgs(t, "a")},
	}
	for _, call := range calls {
		if err := parentConn.Write(ctx, call); err != nil {
			t.Fatalf("write %s: %v", call.Name, err)
		}
	}

	responses := make(map[int64]*Response)
	for len(responses) < len(calls) {
		message, err := parentConn.Read(ctx)
		if err != nil {
			t.Fatalf("read response: %v (have %d)", err, len(responses))
		}
		if message.Response != nil {
			responses[message.Response.ID] = message.Response
		}
	}
	for _, call := range calls {
		if response := responses[call.ID]; response.Error != "" {
			t.Fatalf("%s answered with error %q", call.Name, response.Error)
		}
	}
	if string(responses[1].Value) != `"a"` {
		t.Fatalf("expected add to keep the given id, got %s", responses[1].Value)
	}
	var found Entry
	if err := json.Unmarshal(responses[3].Value, &found); err != nil || found.ID != "a" || found.PageOf(0) != 1 {
		t.Fatalf("expected get to see the added entry, got %s (%v)", responses[3].Value, err)
	}

	_ = parentConn.Close()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
