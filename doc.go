// Package flybridge is the request-execution core of a local tooling server:
// it speaks line-delimited JSON-RPC 2.0 with one client process over stdio (or
// an in-process pipe), runs registered operations through a priority-ordered
// middleware pipeline, and keeps long-running work observable and stoppable.
//
// A Server owns an operation registry, a dual-cap concurrency limiter, a
// cancellation registry, a capped log-stream store, a sandboxed file resource
// provider, and a Watermill bus forwarding handler progress to the client as
// notifications. Operations are Definitions: a name, a JSON Schema for the
// arguments (hand-written or derived from a params struct via NewOperation),
// safety annotations, optional timeout and concurrency overrides, and a
// handler. A minimal setup fills Config, creates a Server, registers
// operations, and calls Serve with a transport connection.
//
// # Pipeline
//
// Every tools/call runs through the standard stages in priority order:
// normalize, log, trace, convert, validate, confirm, setup, admit, guard,
// invoke. The outcome stages do their work as the pipeline unwinds so each
// request leaves exactly one structured log line and one classified result.
// Embedders reshape the pipeline with InsertBefore, InsertAfter, Replace, and
// Remove, keyed by stage id.
//
// # Cancellation
//
// Cancellation is cooperative. A notifications/cancelled message fires the
// request's Token; the guard stage settles the request and releases its slot
// while the handler keeps the canceled context and winds down on its own.
// Handlers running subprocesses must kill them when the context or token
// fires.
//
// The toolkit package carries the standard Fly operation set; the transport
// package holds the named transport registry with stdio and pipe built in.
package flybridge
