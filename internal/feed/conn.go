// internal/feed/conn.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single feed frame.
const maxFrameSize = 1 << 20

// Message is one raw frame read from a slot.
type Message struct {
	Slot   int
	Seq    uint64 // per-slot, strictly increasing
	Binary bool
	Data   []byte
	At     time.Time
}

// Conn is a streaming connection to the feed.
type Conn interface {
	Read(ctx context.Context) (binary bool, data []byte, err error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

func (w *wsConn) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	return typ == websocket.MessageBinary, data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Subscription methods understood by the feed.
const (
	MethodAccountTrade     = "subscribeAccountTrade"
	MethodTokenTrade       = "subscribeTokenTrade"
	MethodUnsubscribeToken = "unsubscribeTokenTrade"
	MethodMigration        = "subscribeMigration"
)

type subscription struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

func encodeSubscription(method string, keys ...string) []byte {
	data, _ := json.Marshal(subscription{Method: method, Keys: keys})
	return data
}
