package hostlink

import (
	"bufio"
	"context"
	"net"
	"time"
)

// Client is a host-side connection used by bridgectl and tests.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Send(m Message) error {
	return WriteMessage(c.conn, m)
}

// Next reads the next response, honouring ctx's deadline.
func (c *Client) Next(ctx context.Context) (Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetReadDeadline(deadline)
	msg, _, err := ReadResponse(c.reader)
	return msg, err
}

// Request sends m and returns the first reply that is not a received-frame
// record.
func (c *Client) Request(ctx context.Context, m Message) (Message, error) {
	if err := c.Send(m); err != nil {
		return Message{}, err
	}
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return Message{}, err
		}
		if msg.Type != RespRxPacket {
			return msg, nil
		}
	}
}
