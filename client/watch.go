package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/escrow/backoff"
	"github.com/xraph/escrow/feed"
)

// WatchOptions selects what a live feed connection listens to.
type WatchOptions struct {
	// EntityType and EntityID select one entity. The first message is its
	// current status when it is tracked.
	EntityType string
	EntityID   string

	// Scope narrows an entity watch: "kind" (default) receives every
	// change for the entity's kind, "entity" only the entity itself.
	Scope string

	// Channels are broker topics to listen on when no entity is set.
	// Defaults to the global channel.
	Channels []string
}

// Watch opens a live feed connection and returns its messages. The channel
// is closed when ctx ends or the connection drops and cannot be
// re-established.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (<-chan *feed.Message, error) {
	target, err := c.feedURL(opts)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	out := make(chan *feed.Message, 64)
	go c.watchLoop(ctx, target, conn, out)
	return out, nil
}

func (c *Client) feedURL(opts WatchOptions) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("escrow/client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	q := url.Values{}
	if c.format != "" {
		q.Set("format", c.format)
	}
	if opts.EntityType != "" || opts.EntityID != "" {
		u.Path += "/v1/status/ws/" + url.PathEscape(opts.EntityType) + "/" + url.PathEscape(opts.EntityID)
		if opts.Scope != "" {
			q.Set("scope", opts.Scope)
		}
	} else {
		u.Path += "/v1/status/ws"
		for _, ch := range opts.Channels {
			q.Add("channel", ch)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// feedConn reads through the handshake buffer before the raw connection.
type feedConn struct {
	net.Conn
	r io.Reader
}

func (f *feedConn) Read(p []byte) (int, error) { return f.r.Read(p) }

func (c *Client) dial(ctx context.Context, target string) (*feedConn, error) {
	header := http.Header{}
	c.setIdentity(header)
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}

	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("escrow/client: feed dial: %w", err)
	}
	fc := &feedConn{Conn: conn, r: conn}
	if br != nil {
		fc.r = io.MultiReader(br, conn)
	}
	c.logger.Debug("feed connected", slog.String("url", target))
	return fc, nil
}

func (c *Client) watchLoop(ctx context.Context, target string, conn *feedConn, out chan<- *feed.Message) {
	defer close(out)

	for {
		err := c.readFeed(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("feed connection lost", slog.String("error", errString(err)))
		if !c.reconnect {
			return
		}

		conn = c.redial(ctx, target)
		if conn == nil {
			return
		}
	}
}

// readFeed pumps messages until the connection fails or ctx ends.
func (c *Client) readFeed(ctx context.Context, conn *feedConn, out chan<- *feed.Message) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return err
		}
		m, err := feed.CodecFor(op).Decode(data)
		if err != nil {
			c.logger.Warn("feed: invalid message", slog.String("error", err.Error()))
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) redial(ctx context.Context, target string) *feedConn {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := backoff.Wait(ctx, c.backoff, attempt); err != nil {
			return nil
		}
		conn, err := c.dial(ctx, target)
		if err == nil {
			c.logger.Info("feed reconnected", slog.Int("attempt", attempt))
			return conn
		}
		c.logger.Warn("feed reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	c.logger.Error("feed: max reconnection attempts reached")
	return nil
}

func errString(err error) string {
	var closed wsutil.ClosedError
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &closed):
		return strings.TrimSpace(fmt.Sprintf("server closed: %d %s", closed.Code, closed.Reason))
	default:
		return err.Error()
	}
}
