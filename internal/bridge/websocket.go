package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxMessageBytes = 4 << 20

type webSocketConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn wraps a websocket connection that exchanges JSON encoded messages.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(maxMessageBytes)
	return &webSocketConn{conn: conn}
}

// Accept upgrades the request to a bridge connection.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, fmt.Errorf("bridge: accept websocket: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

// Dial opens a bridge connection to the websocket url.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial websocket: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

func (c *webSocketConn) Read(ctx context.Context) (Message, error) {
	var message Message
	if err := wsjson.Read(ctx, c.conn, &message); err != nil {
		if isClosed(err) {
			return Message{}, ErrConnClosed
		}
		return Message{}, err
	}
	return message, nil
}

func (c *webSocketConn) Write(ctx context.Context, message Message) error {
	if err := wsjson.Write(ctx, c.conn, message); err != nil {
		if isClosed(err) {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *webSocketConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return true
	}
	var closeErr websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed)
}
