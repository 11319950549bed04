// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// IO constructs a link that receives from r and sends to wc. Each message
// is encoded as a JSON array and framed with a vint30 length prefix, so
// the link works over any stream transport (sockets, pipes).
func IO(r io.Reader, wc io.WriteCloser) IOLink {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOLink{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOLink sends and receives framed messages on a reader and a writer.
type IOLink struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [statemux.Link] interface.
func (c IOLink) Send(msg []any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if _, err := c.w.Write(appendVint30(nil, uint32(len(data)))); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [statemux.Link] interface.
func (c IOLink) Recv() ([]any, error) {
	size, err := readVint30(c.r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF // the prefix promised a payload
		}
		return nil, fmt.Errorf("short message payload: %w", err)
	}
	var msg []any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// Close implements a method of the [statemux.Link] interface.
func (c IOLink) Close() error { return c.c.Close() }

// A vint30 is an unsigned 30-bit integer using a variable-width encoding
// from 1 to 4 bytes. The value is encoded in little-endian order with the
// excess length packed into the lowest-order 2 bits, making the encoding
// self-framing: the first byte tells the decoder the total width.
const maxVint30 = 1<<30 - 1

// appendVint30 appends the encoding of v to buf and returns the updated
// slice. It panics if v is out of range.
func appendVint30(buf []byte, v uint32) []byte {
	var size int
	switch {
	case v < 1<<6:
		size = 1
	case v < 1<<14:
		size = 2
	case v < 1<<22:
		size = 3
	case v <= maxVint30:
		size = 4
	default:
		panic("value out of range")
	}
	w := v*4 + uint32(size-1)
	var tmp [4]byte
	for i := range size {
		tmp[i] = byte(w % 256)
		w /= 256
	}
	return append(buf, tmp[:size]...)
}

// readVint30 reads a single vint30 value from the head of r.
func readVint30(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	nb := int(buf[0]%4) + 1
	if nb > 1 {
		if _, err := io.ReadFull(r, buf[1:nb]); err != nil {
			return 0, fmt.Errorf("short length prefix: %w", err)
		}
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = w*256 + uint32(buf[i])
	}
	return w >> 2, nil
}
