// File: protocol/codec.go
// Package protocol implements the framed binary RPC wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame layout (big-endian):
//
//	[START=0x02][TOTAL_LEN u32][MSGID_LEN u32][MSGID]
//	[METHOD_LEN u32][METHOD][ERR_CODE i32][ERRINFO_LEN u32][ERRINFO]
//	[PAYLOAD][CHECK u32][END=0x03]
//
// TOTAL_LEN covers the whole frame including the START and END bytes.
// The checksum field is reserved in the current protocol version: written
// as zero, not verified on decode.

package protocol

import (
	"encoding/binary"

	"github.com/momentics/hioload-rpc/buffer"
)

const (
	// FrameStart and FrameEnd bracket every frame on the wire.
	FrameStart byte = 0x02
	FrameEnd   byte = 0x03

	// frameOverhead is the byte count of all fixed-size fields:
	// start + total_len + msgid_len + method_len + err_code +
	// errinfo_len + check + end.
	frameOverhead = 1 + 4 + 4 + 4 + 4 + 4 + 4 + 1
)

// Codec encodes and decodes framed RPC messages against ring buffers.
// Stateless; one shared instance per connection.
type Codec struct{}

// NewCodec returns the framed binary codec.
func NewCodec() *Codec {
	return &Codec{}
}

// EncodeMessage serializes one message into a standalone frame.
func (c *Codec) EncodeMessage(m *Message) []byte {
	total := frameOverhead + len(m.MsgID) + len(m.MethodName) + len(m.ErrInfo) + len(m.Payload)
	out := make([]byte, 0, total)

	var u32 [4]byte
	put := func(v uint32) {
		binary.BigEndian.PutUint32(u32[:], v)
		out = append(out, u32[:]...)
	}

	out = append(out, FrameStart)
	put(uint32(total))
	put(uint32(len(m.MsgID)))
	out = append(out, m.MsgID...)
	put(uint32(len(m.MethodName)))
	out = append(out, m.MethodName...)
	put(uint32(m.ErrCode))
	put(uint32(len(m.ErrInfo)))
	out = append(out, m.ErrInfo...)
	out = append(out, m.Payload...)
	put(0) // reserved checksum
	out = append(out, FrameEnd)
	return out
}

// Encode appends each message as a frame to the out buffer.
func (c *Codec) Encode(messages []*Message, out *buffer.RingBuffer) {
	for _, m := range messages {
		out.WriteAll(c.EncodeMessage(m))
	}
}

// Decode extracts every complete frame currently in the in buffer.
// Partial frames are left untouched for the next read, so the decoder is
// restartable byte-by-byte. Garbage before a START byte is discarded, and
// a START that is not confirmed by an END at the advertised frame tail is
// treated as stale: the scan resumes one byte past it.
func (c *Codec) Decode(in *buffer.RingBuffer) []*Message {
	var result []*Message
	window := in.Peek()
	pos := 0

	for {
		// Hunt for the next frame start.
		start := pos
		for start < len(window) && window[start] != FrameStart {
			start++
		}
		pos = start
		if pos >= len(window) {
			break
		}

		// Need start byte plus the total length field.
		if len(window)-pos < 5 {
			break
		}
		total := int(binary.BigEndian.Uint32(window[pos+1 : pos+5]))
		if total < frameOverhead {
			pos++ // stale start byte
			continue
		}
		if len(window)-pos < total {
			break // partial frame, wait for more bytes
		}
		if window[pos+total-1] != FrameEnd {
			pos++ // stale start byte
			continue
		}

		if m, ok := parseFrame(window[pos : pos+total]); ok {
			result = append(result, m)
		}
		// Malformed interior lengths drop the frame but still consume it.
		pos += total
	}

	// Everything before pos is either emitted frames or discarded garbage.
	if pos > 0 {
		_ = in.MoveRead(pos)
	}
	return result
}

// parseFrame decodes the variable-length fields of one delimited frame.
// Returns ok=false when an interior length runs past the frame bounds.
func parseFrame(frame []byte) (*Message, bool) {
	idx := 5 // past start byte and total length

	readLen := func() (int, bool) {
		if idx+4 > len(frame) {
			return 0, false
		}
		v := int(binary.BigEndian.Uint32(frame[idx : idx+4]))
		idx += 4
		return v, true
	}
	readBytes := func(n int) ([]byte, bool) {
		if n < 0 || idx+n > len(frame) {
			return nil, false
		}
		b := frame[idx : idx+n]
		idx += n
		return b, true
	}

	msgIDLen, ok := readLen()
	if !ok {
		return nil, false
	}
	msgID, ok := readBytes(msgIDLen)
	if !ok {
		return nil, false
	}
	methodLen, ok := readLen()
	if !ok {
		return nil, false
	}
	method, ok := readBytes(methodLen)
	if !ok {
		return nil, false
	}
	errCode, ok := readLen()
	if !ok {
		return nil, false
	}
	errInfoLen, ok := readLen()
	if !ok {
		return nil, false
	}
	errInfo, ok := readBytes(errInfoLen)
	if !ok {
		return nil, false
	}

	payloadLen := len(frame) - frameOverhead - msgIDLen - methodLen - errInfoLen
	payload, ok := readBytes(payloadLen)
	if !ok {
		return nil, false
	}

	return &Message{
		MsgID:      string(msgID),
		MethodName: string(method),
		ErrCode:    int32(uint32(errCode)),
		ErrInfo:    string(errInfo),
		Payload:    append([]byte(nil), payload...),
	}, true
}
