// Package transport defines the connection contract between the server and a
// local client process. Each transport implementation (stdio, pipe) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"errors"

	"github.com/fly-cli/flybridge/wire"
)

// ErrClosed is returned by connection operations after Close.
var ErrClosed = errors.New("transport: connection is closed")

// Conn is one bidirectional message stream to a client. Receive is
// single-consumer; Send and Notify may be called from any goroutine and are
// serialized by the implementation.
type Conn interface {
	// Receive blocks for the next inbound request. It returns io.EOF when the
	// peer closed the stream and wire.ErrMessageTooLarge for an oversized
	// line; the connection stays readable after a size refusal.
	Receive() (*wire.Request, error)

	// Send writes one response.
	Send(resp *wire.Response) error

	// Notify writes one server-initiated notification.
	Notify(n *wire.Notification) error

	// Close releases the underlying stream. Safe to call more than once.
	Close() error
}

// Config provides the settings transports need without depending on the full
// server configuration.
type Config interface {
	// MessageSizeLimit returns the inbound line cap in bytes.
	MessageSizeLimit() int
}

// Builder creates a connection from config. Each transport package provides
// a Builder and registers it under its name.
type Builder func(cfg Config) (Conn, error)
