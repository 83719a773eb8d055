package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/wire"
)

// Client is a single data-plane connection to a peer agent, used for
// outbound repair sub-requests. Registration and other control-plane
// messages to proxies go through internal/coordinator's own connections.
type Client struct {
	conn net.Conn
}

// Dial opens a connection to addr (host:port). If wrap is non-nil, it is
// applied to the raw connection before use — see Server.SetWrap.
func Dial(ctx context.Context, addr string, wrap func(net.Conn) net.Conn) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dialing %s", addr)
	}
	if wrap != nil {
		conn = wrap(conn)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes req and blocks for the matching reply, honoring ctx's
// deadline if one is set.
func (c *Client) Send(ctx context.Context, req *wire.Event) (*wire.Event, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	if _, err := wire.Encode(c.conn, req); err != nil {
		return nil, errors.Wrap(err, "transport: sending request")
	}
	reply, _, err := wire.Decode(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "transport: reading reply")
	}
	return reply, nil
}
