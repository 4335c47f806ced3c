package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the big-endian length prefix
	HeaderSize = 4

	// readChunkSize is how much the Decoder asks the underlying reader for at once
	readChunkSize = 4096
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame.
// Nothing has been consumed when it is returned.
var ErrIncomplete = errors.New("incomplete frame")

// Frame format: [Length (4 bytes, big-endian)][Payload (Length bytes)]
//
// The payload is one JSON-encoded Envelope. There is no frame size ceiling.

// AppendFrame appends a length-prefixed frame carrying payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Unframe extracts the first frame payload from buf. It returns the payload and
// the number of bytes the frame occupied, or ErrIncomplete with n == 0 when buf
// is shorter than the header or the declared length.
func Unframe(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}

	length := uint64(binary.BigEndian.Uint32(buf[:HeaderSize]))
	total := uint64(HeaderSize) + length
	if uint64(len(buf)) < total {
		return nil, 0, ErrIncomplete
	}

	return buf[HeaderSize:total], int(total), nil
}

// Encode serializes an envelope into a complete frame.
func Encode(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", envelopeKind(env), err)
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// Decode reads one envelope from the front of buf. On ErrIncomplete nothing is
// consumed. Any other error means the frame was complete but its payload is not
// a known envelope; n still reports the frame size so callers may skip it, but
// the relay treats this as fatal for the connection.
func Decode(buf []byte) (env Envelope, n int, err error) {
	payload, n, err := Unframe(buf)
	if err != nil {
		return Envelope{}, 0, err
	}

	if err := json.Unmarshal(payload, &env); err != nil {
		if !errors.Is(err, ErrInvalidEnvelope) {
			err = fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return Envelope{}, n, err
	}
	return env, n, nil
}

// EncodeFrame writes env to w as a single frame.
func EncodeFrame(w io.Writer, env Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}

	if _, err := w.Write(frame); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// Decoder reads envelopes from a byte stream. Bytes of a partially received
// frame stay buffered between calls, so frames split at any boundary are
// reassembled exactly once.
type Decoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	err   error // sticky read error
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Feed appends raw bytes to the pending buffer without touching the reader.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to form a frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next envelope from buffered bytes only. It returns
// ErrIncomplete when more bytes are needed.
func (d *Decoder) Next() (Envelope, error) {
	env, n, err := Decode(d.buf)
	if n > 0 {
		d.consume(n)
	}
	return env, err
}

// Decode returns the next envelope, reading from the underlying reader as
// needed. io.EOF is returned on a clean end of stream; a stream that ends in
// the middle of a frame yields io.ErrUnexpectedEOF. Frames already buffered
// are always returned before a read error.
func (d *Decoder) Decode() (Envelope, error) {
	for {
		env, err := d.Next()
		if !errors.Is(err, ErrIncomplete) {
			return env, err
		}

		if d.err != nil {
			if errors.Is(d.err, io.EOF) && len(d.buf) > 0 {
				return Envelope{}, io.ErrUnexpectedEOF
			}
			return Envelope{}, d.err
		}
		if d.r == nil {
			return Envelope{}, ErrIncomplete
		}

		if d.chunk == nil {
			d.chunk = make([]byte, readChunkSize)
		}
		n, readErr := d.r.Read(d.chunk)
		if n > 0 {
			d.Feed(d.chunk[:n])
		}
		if readErr != nil {
			d.err = readErr
		}
	}
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// DecodeFrame reads exactly one envelope from r without read-ahead. It is meant
// for request/response style callers (tests, one-shot probes); long-lived
// connections should use a Decoder.
func DecodeFrame(r io.Reader) (Envelope, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Envelope{}, err
	}

	length := binary.BigEndian.Uint32(header)
	frame := make([]byte, HeaderSize+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return Envelope{}, err
	}

	env, _, err := Decode(frame)
	return env, err
}

func envelopeKind(env Envelope) string {
	switch {
	case env.Intent != nil:
		return env.Intent.Kind()
	case env.Reply != nil:
		return env.Reply.Kind()
	default:
		return "empty envelope"
	}
}
