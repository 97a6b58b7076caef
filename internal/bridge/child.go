package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownAction is reported for calls the child does not implement.
var ErrUnknownAction = errors.New("bridge: unknown action")

// Child serves the viewer side of the bridge: it answers calls from the parent with the
// Synchronizer and forwards its events.
type Child struct {
	conn    Conn
	sync    *Synchronizer
	logger  *zap.Logger
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChild binds a Synchronizer over the surface to the conn. Options.Emit is replaced by
// the conn.
func NewChild(conn Conn, surface Surface, options Options) *Child {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	child := &Child{conn: conn, logger: logger, ctx: ctx, cancel: cancel}
	options.Emit = child.forward
	child.sync = NewSynchronizer(surface, options)
	return child
}

// Synchronizer returns the synchronizer the surface reports its events to.
func (c *Child) Synchronizer() *Synchronizer {
	return c.sync
}

// Serve emits ready and answers calls until ctx is done or the conn is closed.
func (c *Child) Serve(ctx context.Context) error {
	c.forward(EventReady, nil)

	var handlers sync.WaitGroup
	defer func() {
		c.cancel()
		handlers.Wait()
		c.sync.Close()
	}()

	for {
		message, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnClosed) {
				return nil
			}
			return fmt.Errorf("bridge: read call: %w", err)
		}
		if message.Name == "" {
			continue
		}
		// Calls run in arrival order; only the wait for a queued update or selection
		// leaves the read loop.
		value, pending, err := c.handle(message.Name, message.Args)
		if pending == nil || err != nil {
			c.respond(message, value, err)
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			c.respond(message, nil, pending.Wait(c.ctx))
		}()
	}
}

func (c *Child) respond(call Message, value any, err error) {
	response := &Response{ID: call.ID}
	if err != nil {
		response.Error = err.Error()
		response.Value = json.RawMessage("null")
		c.logger.Warn("bridge call failed",
			zap.String("operation", "bridge.child."+call.Name),
			zap.Error(err))
	} else if response.Value, err = encodeValue(value); err != nil {
		response.Value = json.RawMessage("null")
		response.Error = err.Error()
	}
	c.write(Message{Response: response})
}

func (c *Child) handle(name string, args []json.RawMessage) (any, *Pending, error) {
	switch name {
	case CallGetAll:
		return c.sync.GetAll(), nil, nil
	case CallGet:
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, nil, err
		}
		found, ok := c.sync.Get(id)
		if !ok {
			return nil, nil, nil
		}
		return found, nil, nil
	case CallSetAll:
		var entries []Entry
		if err := decodeArg(args, 0, &entries); err != nil {
			return nil, nil, err
		}
		return nil, nil, c.sync.SetAll(entries)
	case CallAdd:
		var next Entry
		if err := decodeArg(args, 0, &next); err != nil {
			return nil, nil, err
		}
		id, _, err := c.sync.Add(next)
		if err != nil {
			return nil, nil, err
		}
		return id, nil, nil
	case CallDelete:
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, nil, err
		}
		return nil, nil, c.sync.Delete(id)
	case CallUpdate:
		var next Entry
		if err := decodeArg(args, 0, &next); err != nil {
			return nil, nil, err
		}
		pending, err := c.sync.Update(next)
		return nil, pending, err
	case CallSelected:
		if selected := c.sync.Selected(); selected != nil {
			return *selected, nil, nil
		}
		return nil, nil, nil
	case CallSelect:
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, nil, err
		}
		pending, err := c.sync.Select(id)
		return nil, pending, err
	case CallCurrentPage:
		return c.sync.CurrentPage(), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
}

func (c *Child) forward(name string, detail any) {
	encoded, err := encodeValue(detail)
	if err != nil {
		c.logger.Warn("bridge event encode failed",
			zap.String("operation", "bridge.child.emit"),
			zap.String("event", name),
			zap.Error(err))
		return
	}
	c.write(Message{Emit: &Event{Name: name, Detail: encoded}})
}

func (c *Child) write(message Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(c.ctx, message); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("bridge write failed",
			zap.String("operation", "bridge.child.write"),
			zap.Error(err))
	}
}

func decodeArg(args []json.RawMessage, index int, dest any) error {
	if index >= len(args) {
		return fmt.Errorf("bridge: missing argument %d", index)
	}
	if err := json.Unmarshal(args[index], dest); err != nil {
		return fmt.Errorf("bridge: decode argument %d: %w", index, err)
	}
	return nil
}
