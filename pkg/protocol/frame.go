package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream frames are a u32 big-endian length followed by that many payload
// bytes. The length covers the structured body and any raw bytes together.
// Datagrams carry the same payload without the prefix.
const (
	FrameHeaderSize = 4
	MaxFrameSize    = 16 << 20
)

// Separator splits the type id from the structured body.
const Separator = ':'

// AppendRaw appends the message's raw payload (if any) to an encoded body.
func AppendRaw(payload []byte, m Message) []byte {
	if data := m.Head().Data(); len(data) > 0 {
		return append(payload, data...)
	}
	return payload
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenbuf [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(payload)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. maxSize <= 0 means MaxFrameSize.
// A clean end of stream before the prefix yields io.EOF; a partial frame
// yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	var lenbuf [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
