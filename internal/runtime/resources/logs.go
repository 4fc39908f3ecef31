package resources

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/wire"
)

// LogScheme is the URI scheme of the log stream provider.
const LogScheme = "logs"

// LogStore holds the bounded in-memory log streams produced by background
// operations. Each stream is an append-only sequence of whole entries; when a
// stream exceeds its byte or entry ceiling the oldest entries are dropped
// whole until it fits again. One operation appends to a stream; reads take a
// byte-range snapshot under the lock and work on the copy.
type LogStore struct {
	mu      sync.RWMutex
	streams map[string]*logStream

	maxBytes   int64
	maxEntries int

	// onEvict is called once per evicted entry with the stream id. Wired to
	// the eviction metric by the server; nil is fine.
	onEvict func(stream string)
}

type logStream struct {
	entries [][]byte
	size    int64
}

// NewLogStore builds a store with the given per-stream ceilings. Non-positive
// ceilings fall back to 1 MiB / 1024 entries.
func NewLogStore(maxBytes int64, maxEntries int, onEvict func(stream string)) *LogStore {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &LogStore{
		streams:    make(map[string]*logStream),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		onEvict:    onEvict,
	}
}

func (s *LogStore) Scheme() string { return LogScheme }

// Append adds one whole entry to the stream, creating the stream on first
// use. An entry that alone exceeds the byte ceiling is refused, since keeping
// it would require truncating it.
func (s *LogStore) Append(id string, entry []byte) error {
	if id == "" {
		return fmt.Errorf("resources: log stream id is required")
	}
	if int64(len(entry)) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes over a %d byte ceiling", rterrors.ErrLogEntryTooLarge, len(entry), s.maxBytes)
	}

	owned := make([]byte, len(entry))
	copy(owned, entry)

	var evicted int
	s.mu.Lock()
	stream, ok := s.streams[id]
	if !ok {
		stream = &logStream{}
		s.streams[id] = stream
	}
	stream.entries = append(stream.entries, owned)
	stream.size += int64(len(owned))

	for (stream.size > s.maxBytes || len(stream.entries) > s.maxEntries) && len(stream.entries) > 1 {
		oldest := stream.entries[0]
		stream.entries = stream.entries[1:]
		stream.size -= int64(len(oldest))
		evicted++
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for i := 0; i < evicted; i++ {
			s.onEvict(id)
		}
	}
	return nil
}

// Clear drops the stream and reports whether it existed.
func (s *LogStore) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	delete(s.streams, id)
	return ok
}

// Streams returns the tracked stream ids sorted ascending.
func (s *LogStore) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries lists the streams whose URI starts with prefix, reporting retained
// size and entry count.
func (s *LogStore) Entries(prefix string) ([]wire.ResourceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]wire.ResourceDescriptor, 0, len(s.streams))
	for id, stream := range s.streams {
		uri := LogScheme + "://" + id
		if prefix != "" && !strings.HasPrefix(uri, prefix) {
			continue
		}
		items = append(items, wire.ResourceDescriptor{
			URI:        uri,
			Name:       id,
			MimeType:   "text/plain",
			Size:       stream.size,
			EntryCount: int64(len(stream.entries)),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].URI < items[j].URI })
	return items, nil
}

// Read returns a byte range over the retained content of one stream. The
// range is taken against a snapshot, so a concurrent append cannot shift the
// bytes mid-read.
func (s *LogStore) Read(params wire.ReadResourceParams) (wire.ReadResourceResult, error) {
	scheme, id, ok := SplitURI(params.URI)
	if !ok || scheme != LogScheme || id == "" {
		return wire.ReadResourceResult{}, rterrors.NotFound(fmt.Sprintf("resource %q", params.URI))
	}

	snapshot, total, found := s.snapshot(id)
	if !found {
		return wire.ReadResourceResult{}, rterrors.NotFound(fmt.Sprintf("log stream %q", id))
	}

	start, length := ClampRange(total, params.Start, params.Length)
	slice := snapshot[start : start+length]
	content, encoding := encodeContent(slice)

	return wire.ReadResourceResult{
		URI:      params.URI,
		MimeType: "text/plain",
		Content:  content,
		Encoding: encoding,
		Total:    total,
		Start:    start,
		Length:   length,
	}, nil
}

// Size reports the retained byte size and entry count of a stream.
func (s *LogStore) Size(id string) (bytes int64, entries int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, found := s.streams[id]
	if !found {
		return 0, 0, false
	}
	return stream.size, len(stream.entries), true
}

func (s *LogStore) snapshot(id string) ([]byte, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, found := s.streams[id]
	if !found {
		return nil, 0, false
	}
	buf := make([]byte, 0, stream.size)
	for _, entry := range stream.entries {
		buf = append(buf, entry...)
	}
	return buf, stream.size, true
}

// Writer adapts a stream for collaborators that expect an io.Writer, such as
// a toolchain process's stdout. Every Write becomes one whole entry.
func (s *LogStore) Writer(id string) io.Writer {
	return &streamWriter{store: s, id: id}
}

type streamWriter struct {
	store *LogStore
	id    string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.store.Append(w.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
