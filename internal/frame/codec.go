package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eggbot/robot-controller/internal/metrics"
)

// ErrPayloadTooLong is returned by Encode when more than MaxPayloadWords words
// are given; the 1-byte DataLen field cannot represent a longer payload.
var ErrPayloadTooLong = errors.New("frame: payload too long")

// Encode builds a complete wire frame for dataType carrying payload words.
func Encode(dataType byte, payload []uint16) ([]byte, error) {
	if len(payload) > MaxPayloadWords {
		return nil, fmt.Errorf("%w: %d words", ErrPayloadTooLong, len(payload))
	}
	out := make([]byte, 0, 4+2*len(payload)+3)
	out = append(out, header0, header1, dataType, byte(len(payload)))
	for _, w := range payload {
		var wb [2]byte
		binary.BigEndian.PutUint16(wb[:], w)
		out = append(out, wb[0], wb[1])
	}
	crc := byte(0)
	for _, b := range out {
		crc ^= b
	}
	out = append(out, crc, footer0, footer1)
	return out, nil
}

// compactBuffer reclaims consumed prefix capacity once a buffer has grown
// large relative to what's left unread. Mirrors the reclaim threshold used
// by the serial RX accumulator so long-running links don't retain an
// ever-growing backing array behind a small unread tail.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Decoder is a stateful byte-stream consumer that recovers frame boundaries
// from arbitrary prefix noise. It never blocks and allocates no memory per
// fed byte beyond what's needed to grow its internal buffer.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends data to the internal buffer and returns every complete,
// valid frame that can now be parsed from its head. Appending bytes in any
// chunking yields the same sequence of frames (idempotent buffering).
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf.Write(data)
	var out []Frame
	d.drain(func(f Frame) { out = append(out, f) })
	return out
}

var wireHeader = []byte{header0, header1}

// drain repeatedly attempts to parse a frame off the head of the buffer,
// invoking emit for each one found, until the buffer holds no more complete
// frames.
func (d *Decoder) drain(emit func(Frame)) {
	for {
		_ = compactBuffer(&d.buf)
		data := d.buf.Bytes()
		if len(data) < 2 {
			return
		}

		i := bytes.Index(data, wireHeader)
		if i < 0 {
			// Keep the last byte: it may be the first half of the next header.
			if d.buf.Len() > 1 {
				last := data[len(data)-1]
				d.buf.Reset()
				_ = d.buf.WriteByte(last)
			}
			return
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}

		// Header at offset 0; need DataType + DataLen to know the frame size.
		if len(data) < 4 {
			return
		}
		dataType := data[2]
		dataLen := int(data[3])
		total := 7 + 2*dataLen // header(2)+type(1)+len(1)+payload(2N)+crc(1)+footer(2)
		if len(data) < total {
			return
		}

		crcWant := byte(0)
		for _, b := range data[:4+2*dataLen] {
			crcWant ^= b
		}
		crcGot := data[4+2*dataLen]
		footerOK := data[total-2] == footer0 && data[total-1] == footer1
		if crcGot != crcWant || !footerOK {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}

		payload := make([]uint16, dataLen)
		for w := 0; w < dataLen; w++ {
			payload[w] = binary.BigEndian.Uint16(data[4+2*w : 6+2*w])
		}
		emit(Frame{DataType: dataType, Payload: payload})
		d.buf.Next(total)
	}
}
