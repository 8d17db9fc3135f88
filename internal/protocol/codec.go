// ABOUTME: Stream frames JSON packets onto a duplex byte stream.
// ABOUTME: Implements chunked framing, the payload size cap, and write slicing.

package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxPayload is the largest encoded JSON payload a single packet may
	// carry. Larger payloads are rejected before anything hits the wire.
	MaxPayload = 131070

	// mtu bounds the size of one transmission segment on the write side.
	mtu = 1400

	// maxSingleChunk is the largest payload that is sent without the
	// chunked flag: the mtu less the chunked header (flag + total length)
	// plus the chunk-length field that is present either way.
	maxSingleChunk = mtu - 5 + 2
)

// ErrOversizedPayload is returned by WritePacket when the encoded packet
// exceeds MaxPayload. Nothing has been written when it is returned.
var ErrOversizedPayload = errors.New("packet payload exceeds maximum size")

// Stream frames packets onto one duplex byte stream. Reads must come from a
// single goroutine (the connection's read loop); writes may come from many
// goroutines and are serialized internally so interleaved writers never
// corrupt a frame.
type Stream struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader

	wmu sync.Mutex
}

// NewStream wraps a duplex byte stream, typically a net.Conn.
func NewStream(conn io.ReadWriteCloser) *Stream {
	return &Stream{
		conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// WritePacket encodes the packet and writes it as one frame. The frame is
// sliced into transmission segments of at most mtu bytes, each written
// before the next, which bounds per-write buffering.
func (s *Stream) WritePacket(p Packet) error {
	data, err := json.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}
	if len(data) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrOversizedPayload, len(data))
	}

	chunked := len(data) > maxSingleChunk
	first := len(data)
	if chunked {
		first = maxSingleChunk
	}

	buf := make([]byte, 0, 7+len(data))
	if chunked {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(first))
	buf = append(buf, data...)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	for off := 0; off < len(buf); off += mtu {
		end := off + mtu
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := s.conn.Write(buf[off:end]); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
	return nil
}

// ReadPacket reads and decodes the next frame. A stream that closes mid
// frame surfaces as io.ErrUnexpectedEOF; either way a read error means the
// transport is dead and the connection must be torn down.
func (s *Stream) ReadPacket() (Packet, error) {
	var flag [1]byte
	if _, err := io.ReadFull(s.br, flag[:]); err != nil {
		return nil, err
	}
	chunked := flag[0] != 0

	total := 0
	if chunked {
		var tb [4]byte
		if _, err := io.ReadFull(s.br, tb[:]); err != nil {
			return nil, err
		}
		total = int(binary.BigEndian.Uint32(tb[:]))
		if total > MaxPayload {
			return nil, fmt.Errorf("frame total length %d exceeds maximum", total)
		}
	}

	var lb [2]byte
	if _, err := io.ReadFull(s.br, lb[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(lb[:]))

	if chunked && total < length {
		return nil, fmt.Errorf("frame total length %d shorter than first chunk %d", total, length)
	}

	payload := make([]byte, length, max(length, total))
	if _, err := io.ReadFull(s.br, payload); err != nil {
		return nil, err
	}

	// Continuation bytes are raw: no further headers until the full
	// payload has been accumulated.
	if chunked {
		payload = payload[:total]
		if _, err := io.ReadFull(s.br, payload[length:]); err != nil {
			return nil, err
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding packet: %w", err)
	}
	restored, ok := restoreSets(raw).(map[string]any)
	if !ok {
		return nil, errors.New("decoding packet: top-level value is not an object")
	}
	return Packet(restored), nil
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	return s.conn.Close()
}
