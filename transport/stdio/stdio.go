// Package stdio provides the standard transport of the server: one JSON
// message per line over a reader/writer pair, os.Stdin/os.Stdout by default.
package stdio

import (
	"io"
	"os"
	"sync"

	"github.com/fly-cli/flybridge/transport"
	"github.com/fly-cli/flybridge/wire"
)

// TransportName is the name used to register this transport.
const TransportName = "stdio"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.StdioCapabilities)
}

// Build creates a connection over the process's standard streams.
func Build(cfg transport.Config) (transport.Conn, error) {
	limit := 0
	if cfg != nil {
		limit = cfg.MessageSizeLimit()
	}
	return NewConn(os.Stdin, os.Stdout, limit), nil
}

// Conn frames messages over an arbitrary reader/writer pair.
type Conn struct {
	codec *wire.Codec
	r     io.Reader
	w     io.Writer

	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps r and w in a line-delimited connection. A non-positive limit
// falls back to the wire default.
func NewConn(r io.Reader, w io.Writer, limit int) *Conn {
	return &Conn{codec: wire.NewCodec(r, w, limit), r: r, w: w}
}

// Receive blocks for the next request line.
func (c *Conn) Receive() (*wire.Request, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	return c.codec.ReadRequest()
}

// Send writes one response line.
func (c *Conn) Send(resp *wire.Response) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	return c.codec.WriteResponse(resp)
}

// Notify writes one notification line.
func (c *Conn) Notify(n *wire.Notification) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	return c.codec.WriteNotification(n)
}

// Close marks the connection closed and closes the underlying streams when
// they are closers. The process's standard streams are left open.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if closer, ok := c.r.(io.Closer); ok && c.r != os.Stdin {
		err = closer.Close()
	}
	if closer, ok := c.w.(io.Closer); ok && c.w != os.Stdout {
		if closeErr := closer.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
