package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format: every message is exactly three length-prefixed frames:
// a routing identity, an empty separator, and a JSON envelope payload.
// The separator keeps the layout compatible with multipart router
// implementations of the same protocol.

const (
	// MaxFrameSize bounds a single frame so a garbage length prefix fails
	// fast instead of stalling the reader on a multi-gigabyte read.
	MaxFrameSize = 16 << 20

	messageFrames = 3
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrBadSeparator  = errors.New("separator frame not empty")
)

// WriteMessage writes one message to w as a single buffered write so that
// concurrent writers on the same connection cannot interleave frames.
func WriteMessage(w io.Writer, identity string, payload []byte) error {
	if len(identity) > MaxFrameSize || len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var buf bytes.Buffer
	buf.Grow(len(identity) + len(payload) + messageFrames*4)
	for _, frame := range [][]byte{[]byte(identity), nil, payload} {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
		buf.Write(hdr[:])
		buf.Write(frame)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage reads one message from r, returning the identity frame and the
// payload frame. A malformed stream (oversized length, non-empty separator,
// short read) yields an error; the caller should drop the connection since
// framing can not be resynchronized.
func ReadMessage(r io.Reader) (identity string, payload []byte, err error) {
	frames := make([][]byte, messageFrames)
	for i := range frames {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return "", nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFrameSize {
			return "", nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return "", nil, err
		}
		frames[i] = frame
	}
	if len(frames[1]) != 0 {
		return "", nil, ErrBadSeparator
	}
	return string(frames[0]), frames[2], nil
}
