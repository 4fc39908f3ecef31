// Package pipe provides an in-process duplex transport. The server end
// satisfies transport.Conn; the client end speaks the same line protocol from
// the other side, which is what tests and embedding hosts need to drive a
// server without a child process.
package pipe

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	"github.com/fly-cli/flybridge/transport"
	"github.com/fly-cli/flybridge/transport/stdio"
	"github.com/fly-cli/flybridge/wire"
)

// TransportName is the name used to register this transport.
const TransportName = "pipe"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PipeCapabilities)
}

// Build creates a connected pair and returns the server end. Callers reach
// the client end by asserting the returned Conn to *pipe.Conn.
func Build(cfg transport.Config) (transport.Conn, error) {
	limit := 0
	if cfg != nil {
		limit = cfg.MessageSizeLimit()
	}
	server, _ := New(limit)
	return server, nil
}

// New returns a connected server/client pair sharing an in-process stream.
// Closing either end unblocks the other.
func New(limit int) (*Conn, *Client) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	client := &Client{
		r:     clientReader,
		w:     clientWriter,
		codec: wire.NewCodec(clientReader, clientWriter, limit),
	}
	server := &Conn{
		inner:  stdio.NewConn(serverReader, serverWriter, limit),
		client: client,
	}
	return server, client
}

// Conn is the server end of a pipe pair.
type Conn struct {
	inner  *stdio.Conn
	client *Client
}

// Client returns the client end connected to this server end.
func (c *Conn) Client() *Client { return c.client }

func (c *Conn) Receive() (*wire.Request, error)   { return c.inner.Receive() }
func (c *Conn) Send(resp *wire.Response) error    { return c.inner.Send(resp) }
func (c *Conn) Notify(n *wire.Notification) error { return c.inner.Notify(n) }
func (c *Conn) Close() error                      { return c.inner.Close() }

// Inbound is one message arriving at the client: a response when ID is set,
// a server notification when Method is set.
type Inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wire.Error     `json:"error,omitempty"`
}

// IsNotification reports whether the message is a server-initiated
// notification rather than a response.
func (m *Inbound) IsNotification() bool { return m.Method != "" }

// Client is the client end of a pipe pair.
type Client struct {
	r     *io.PipeReader
	w     *io.PipeWriter
	codec *wire.Codec

	closeOnce sync.Once
}

// Send writes one request or notification to the server.
func (c *Client) Send(req *wire.Request) error {
	data, err := jsoncodec.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

// Notify writes one client-initiated notification to the server.
func (c *Client) Notify(n *wire.Notification) error {
	data, err := jsoncodec.Marshal(n)
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

// Next blocks for the next message from the server.
func (c *Client) Next() (*Inbound, error) {
	line, err := c.codec.ReadLine()
	if err != nil {
		return nil, err
	}
	var msg Inbound
	if err := jsoncodec.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close tears down both directions of the client end. The server end sees
// io.EOF on its next read.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.w.Close()
		err = c.r.Close()
	})
	return err
}
