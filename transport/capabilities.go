package transport

// Capabilities describes a registered transport so embedders can pick one at
// runtime without importing its package.
type Capabilities struct {
	// Name is the registry key of the transport.
	Name string

	// Description is a one-line human-readable summary.
	Description string

	// InProcess indicates the transport never leaves the process; such
	// transports exist for tests and embedding, not for external clients.
	InProcess bool

	// MaxMessageSize is the largest inbound message the transport accepts in
	// bytes (0 = taken from config).
	MaxMessageSize int64
}

// StdioCapabilities describes the stdio transport.
var StdioCapabilities = Capabilities{
	Name:        "stdio",
	Description: "line-delimited JSON over standard input and output",
}

// PipeCapabilities describes the in-process pipe transport.
var PipeCapabilities = Capabilities{
	Name:        "pipe",
	Description: "in-process duplex pipe for tests and embedding",
	InProcess:   true,
}
