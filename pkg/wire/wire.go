// Package wire frames application messages for the command and publish
// channels: a 4-byte big-endian length prefix followed by one JSON object.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gridfabric/telehub/hub/message"
)

// MaxFrame bounds a single frame. Anything larger is treated as a corrupt
// stream rather than an allocation request.
const MaxFrame = 1 << 20

// ErrFrameTooLarge reports a length prefix beyond MaxFrame.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteRaw frames pre-encoded bytes onto w.
func WriteRaw(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// WriteMessage encodes and frames a message onto w.
func WriteMessage(w io.Writer, m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	return WriteRaw(w, payload)
}

// ReadRaw reads one frame's payload from r.
func ReadRaw(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}

// ReadMessage reads and decodes one message from r.
func ReadMessage(r io.Reader) (message.Message, error) {
	payload, err := ReadRaw(r)
	if err != nil {
		return nil, err
	}
	return message.Decode(payload)
}
