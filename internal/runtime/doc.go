/*
Package runtime provides the request execution core of flybridge.

# Architecture Overview

The runtime package implements a request-driven architecture around a staged
middleware pipeline. Requests arrive over a line-delimited JSON-RPC transport,
pass through the pipeline, and settle exactly once with a result or a typed
failure.

# Package Structure

The runtime package is organized into the following components:

## Core Server (service.go)

The Server struct is the central orchestrator that wires together:
  - Request read loop over a transport connection
  - Dispatcher routing protocol methods
  - Middleware pipeline for tool calls
  - Progress bus (Watermill) forwarding handler events to the client
  - HTTP servers for metrics and the debug API

## Operations (operation.go)

Operation registration and resolution:
  - Definition: name, schemas, annotations, timeout, concurrency limit
  - Registry: registration until sealed, sorted listing, resolution
  - NewOperation: typed handlers with schemas derived from the params type

## Pipeline (pipeline.go, stages.go)

The pipeline runs composable stages in priority order:
  - Normalize: correlation id and request envelope checks
  - Log: request logging on the way in and out
  - Trace: OpenTelemetry span around execution
  - Convert: argument decoding
  - Validate: JSON Schema validation of call arguments
  - Confirm: confirmation gate for destructive operations
  - Setup: timeout resolution, cancellation token, progress binding
  - Admit: concurrency admission
  - Guard: deadline and cancellation race against the handler
  - Invoke: handler execution and result rendering

## Stats & Monitoring (stats.go, metrics.go, diag.go)

Request-level metrics collection:
  - Latency percentiles (p50, p95, p99)
  - Per-operation call and failure counts
  - Prometheus collectors
  - Resource usage sampling and health checks

## Progress (progress.go)

The bus emitter stamps request metadata onto progress events and publishes
them for the forwarder to turn into client notifications.

## Debug API (webui.go)

HTTP API for introspecting operation statistics and server diagnostics.

# Sub-packages

  - config/: Server configuration with validation
  - errors/: Sentinel errors and the error taxonomy
  - ids/: ULID generation for correlation ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Bus event metadata utilities
  - resources/: Sandboxed file resources and log ring buffers
  - schema/: JSON Schema derivation and validation

# Usage Example

	cfg := &flybridge.Config{
		ServerName:     "fly",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	server, err := flybridge.NewServer(cfg, logger, flybridge.Dependencies{})
	if err != nil {
		return err
	}

	server.MustRegister(flybridge.MustOperation("greet", greetHandler))

	conn, err := flybridge.BuildTransport("stdio", cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx, conn)
*/
package runtime
