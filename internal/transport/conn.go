package transport

import (
	"context"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/trailsense/fieldtrack/internal/wire"
)

// Conn is the minimal surface of one live socket. The production
// implementation wraps nhooyr.io/websocket; tests inject fakes.
type Conn interface {
	// Read blocks until the next inbound frame. It returns the raw
	// payload so the client can drop malformed JSON without treating
	// it as a connection failure.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one envelope.
	Write(ctx context.Context, msg wire.Message) error
	// Close tears the socket down.
	Close() error
}

// Dialer opens a Conn against the given URL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, msg wire.Message) error {
	return wsjson.Write(ctx, w.c, msg)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// trackingURL builds the connection URL:
// {base}/ws/tracking/{role}?token={bearer}&group_id={gid}
func trackingURL(base string, session wire.SessionConfig, bearer string) string {
	q := url.Values{}
	q.Set("token", bearer)
	if session.GroupID != "" {
		q.Set("group_id", session.GroupID)
	}
	return strings.TrimRight(base, "/") + "/ws/tracking/" + string(session.Role) + "?" + q.Encode()
}
