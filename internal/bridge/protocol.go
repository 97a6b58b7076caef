package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Action names understood by the child.
const (
	CallGetAll      = "getAll"
	CallGet         = "get"
	CallSetAll      = "setAll"
	CallAdd         = "add"
	CallDelete      = "delete"
	CallUpdate      = "update"
	CallSelected    = "selected"
	CallSelect      = "select"
	CallCurrentPage = "currentPage"
)

// ErrConnClosed is returned by Conn operations after the connection was closed.
var ErrConnClosed = errors.New("bridge: connection closed")

// Message is one frame of the bridge protocol. A call carries ID, Name and Args; replies
// carry Response and notifications carry Emit.
type Message struct {
	ID       int64             `json:"id,omitempty"`
	Name     string            `json:"name,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
	Response *Response         `json:"response,omitempty"`
	Emit     *Event            `json:"emit,omitempty"`
}

// Response answers the call with the same id.
type Response struct {
	ID    int64           `json:"id"`
	Value json.RawMessage `json:"value"`
	Error string          `json:"error,omitempty"`
}

// Conn transports bridge messages.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, message Message) error
	Close() error
}

const pipeBuffer = 64

type pipeConn struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	left := make(chan Message, pipeBuffer)
	right := make(chan Message, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: left, out: right, closed: closed, once: once},
		&pipeConn{in: right, out: left, closed: closed, once: once}
}

func (p *pipeConn) Read(ctx context.Context) (Message, error) {
	select {
	case message := <-p.in:
		return message, nil
	case <-p.closed:
		return Message{}, ErrConnClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, message Message) error {
	select {
	case <-p.closed:
		return ErrConnClosed
	default:
	}
	select {
	case p.out <- message:
		return nil
	case <-p.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(value)
}
