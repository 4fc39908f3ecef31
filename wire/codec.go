package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
)

// DefaultMaxMessageSize caps a single inbound line at 2 MiB unless the codec
// is built with an explicit limit.
const DefaultMaxMessageSize = 2 << 20

// ErrMessageTooLarge reports an inbound line that exceeded the size cap. The
// line is discarded without being parsed and the stream stays readable.
var ErrMessageTooLarge = errors.New("wire: message exceeds size limit")

// Codec frames messages over a byte stream, one JSON document per line.
// Reads are single-consumer; writes are serialized internally so response
// and notification writers can share one connection.
type Codec struct {
	br    *bufio.Reader
	w     io.Writer
	limit int

	writeMu sync.Mutex
}

// NewCodec wraps a reader/writer pair. A non-positive limit falls back to
// DefaultMaxMessageSize.
func NewCodec(r io.Reader, w io.Writer, limit int) *Codec {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	return &Codec{
		br:    bufio.NewReaderSize(r, 64*1024),
		w:     w,
		limit: limit,
	}
}

// ReadRequest reads the next non-empty line and decodes it. It returns
// ErrMessageTooLarge for oversized lines (after discarding them), io.EOF at
// end of stream, and wrapped decode errors for unparseable payloads.
func (c *Codec) ReadRequest() (*Request, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(trimSpace(line)) == 0 {
			continue
		}

		var req Request
		if err := req.UnmarshalJSON(line); err != nil {
			return nil, fmt.Errorf("wire: decoding request: %w", err)
		}
		return &req, nil
	}
}

// ReadLine returns the next non-empty line without decoding it, for callers
// speaking the client side of the protocol over the same framing.
func (c *Codec) ReadLine() ([]byte, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(trimSpace(line)) > 0 {
			return line, nil
		}
	}
}

// readLine accumulates one line up to the limit. Oversized lines are drained
// through the end of line so the next read starts clean.
func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.br.ReadSlice('\n')
		if len(line)+len(chunk) > c.limit {
			if discardErr := c.discardLine(err); discardErr != nil {
				return nil, discardErr
			}
			return nil, fmt.Errorf("%w (limit %d bytes)", ErrMessageTooLarge, c.limit)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return trimNewline(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return trimNewline(line), nil
		default:
			return nil, err
		}
	}
}

// discardLine consumes the remainder of an oversized line. readErr is the
// error from the read that tripped the limit.
func (c *Codec) discardLine(readErr error) error {
	if readErr == nil || errors.Is(readErr, io.EOF) {
		return nil
	}
	for {
		_, err := c.br.ReadSlice('\n')
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return err
		}
	}
}

// WriteResponse writes one response as a single line.
func (c *Codec) WriteResponse(resp *Response) error {
	return c.writeMessage(resp)
}

// WriteNotification writes one notification as a single line.
func (c *Codec) WriteNotification(n *Notification) error {
	return c.writeMessage(n)
}

func (c *Codec) writeMessage(v any) error {
	data, err := marshalLine(v)
	if err != nil {
		return fmt.Errorf("wire: encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func marshalLine(v any) ([]byte, error) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func trimSpace(line []byte) []byte {
	start := 0
	for start < len(line) && isSpace(line[start]) {
		start++
	}
	end := len(line)
	for end > start && isSpace(line[end-1]) {
		end--
	}
	return line[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
