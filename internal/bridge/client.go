package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrCallFailed wraps an error reported by the child.
	ErrCallFailed = errors.New("bridge: call failed")
	// ErrClientClosed is returned for calls after the read loop ended.
	ErrClientClosed = errors.New("bridge: client closed")
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// OnEvent receives every event of the child, including ready. It runs on the read loop
	// and must not wait for calls of the same Client.
	OnEvent func(Event)
	Logger  *zap.Logger
}

// Client is the parent side of the bridge. Calls are sent once the child emitted ready;
// the mutating calls are sent one after another.
type Client struct {
	conn    Conn
	onEvent func(Event)
	logger  *zap.Logger

	nextID    atomic.Int64
	mu        sync.Mutex
	pending   map[int64]chan Response
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	writeMu  sync.Mutex
	mutating sync.Mutex
}

// NewClient constructs a Client over the conn. Run must be running for calls to complete.
func NewClient(conn Conn, options ClientOptions) *Client {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onEvent := options.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Client{
		conn:    conn,
		onEvent: onEvent,
		logger:  logger,
		pending: make(map[int64]chan Response),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Ready is closed once the child emitted ready.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Run reads messages until ctx is done or the conn is closed.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		message, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnClosed) {
				return nil
			}
			return fmt.Errorf("bridge: read message: %w", err)
		}
		switch {
		case message.Emit != nil:
			if message.Emit.Name == EventReady {
				c.readyOnce.Do(func() { close(c.ready) })
			}
			c.onEvent(*message.Emit)
		case message.Response != nil:
			c.resolve(*message.Response)
		}
	}
}

// Close closes the conn.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetAll returns every entry of the viewer.
func (c *Client) GetAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.call(ctx, false, CallGetAll, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the entry or nil when the viewer does not know it.
func (c *Client) Get(ctx context.Context, id string) (*Entry, error) {
	var found *Entry
	if err := c.call(ctx, false, CallGet, &found, id); err != nil {
		return nil, err
	}
	return found, nil
}

// SetAll replaces every entry of the viewer.
func (c *Client) SetAll(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return c.call(ctx, true, CallSetAll, nil, entries)
}

// Add adds the entry and returns the id the viewer assigned.
func (c *Client) Add(ctx context.Context, next Entry) (string, error) {
	var id string
	if err := c.call(ctx, true, CallAdd, &id, next); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the entry.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.call(ctx, true, CallDelete, nil, id)
}

// Update replaces the entry.
func (c *Client) Update(ctx context.Context, next Entry) error {
	return c.call(ctx, true, CallUpdate, nil, next)
}

// Selected returns the selected entry or nil.
func (c *Client) Selected(ctx context.Context) (*Entry, error) {
	var selected *Entry
	if err := c.call(ctx, false, CallSelected, &selected); err != nil {
		return nil, err
	}
	return selected, nil
}

// Select selects the entry in the viewer.
func (c *Client) Select(ctx context.Context, id string) error {
	return c.call(ctx, false, CallSelect, nil, id)
}

// CurrentPage returns the zero based index of the page shown by the viewer.
func (c *Client) CurrentPage(ctx context.Context) (int, error) {
	var page int
	if err := c.call(ctx, false, CallCurrentPage, &page); err != nil {
		return 0, err
	}
	return page, nil
}

func (c *Client) call(ctx context.Context, mutating bool, name string, dest any, args ...any) error {
	if mutating {
		c.mutating.Lock()
		defer c.mutating.Unlock()
	}

	select {
	case <-c.ready:
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	encoded := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := encodeValue(arg)
		if err != nil {
			return fmt.Errorf("bridge: encode %s argument: %w", name, err)
		}
		encoded = append(encoded, raw)
	}

	id := c.nextID.Add(1)
	reply := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.Write(ctx, Message{ID: id, Name: name, Args: encoded})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("bridge: send %s: %w", name, err)
	}

	select {
	case response := <-reply:
		if response.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrCallFailed, name, response.Error)
		}
		if dest == nil || len(response.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Value, dest); err != nil {
			return fmt.Errorf("bridge: decode %s response: %w", name, err)
		}
		return nil
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) resolve(response Response) {
	c.mu.Lock()
	reply, ok := c.pending[response.ID]
	delete(c.pending, response.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("bridge response without call",
			zap.String("operation", "bridge.client.resolve"),
			zap.Int64("call_id", response.ID))
		return
	}
	reply <- response
}
