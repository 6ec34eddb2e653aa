// Package esp implements the framed binary accessory protocol spoken by the
// detector: encode and decode are pure functions over byte buffers, with no
// radio or timing concerns.
//
// Frame layout: SOF | dest | src | packetID | length | payload… | EOF.
// When the sender uses checksums, an 8-bit sum of every byte preceding the
// checksum field is appended to the payload and counted in the length byte.
// Checksums are computed on send but never enforced on receive: the detector
// legitimately emits unchecksummed fragments and retransmits state
// continuously, so a damaged frame is simply dropped.
package esp

import "errors"

// ErrMalformed is returned for any frame that fails structural validation.
// Callers drop such frames silently; the link is noisy by design.
var ErrMalformed = errors.New("esp: malformed frame")

// Frame is one decoded protocol frame. Payload is an owned copy with any
// trailing checksum byte already stripped.
type Frame struct {
	Dest    byte
	Src     byte
	ID      byte
	Payload []byte

	// Checksum holds the received checksum byte for frames that carried one.
	// It is recorded, not verified.
	Checksum    byte
	HasChecksum bool
}

// SrcDevice returns the low-nibble device id of the frame's source.
func (f *Frame) SrcDevice() byte { return f.Src &^ SrcBase }

// DestDevice returns the low-nibble device id of the frame's destination.
func (f *Frame) DestDevice() byte { return f.Dest &^ DestBase }

// minFrameLen is the smallest frame the decoder accepts. A detector ack is
// SOF dest src id len echo checksum EOF.
const minFrameLen = 8

// DecodeFrame validates framing and returns the contained frame.
// It returns ErrMalformed for short buffers, wrong markers, or a length
// field that disagrees with the buffer size.
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) < minFrameLen {
		return nil, ErrMalformed
	}
	if raw[0] != SOF || raw[len(raw)-1] != EOF {
		return nil, ErrMalformed
	}
	n := int(raw[4])
	if n > MaxPayload || len(raw) != 6+n {
		return nil, ErrMalformed
	}

	f := &Frame{
		Dest: raw[1],
		Src:  raw[2],
		ID:   raw[3],
	}
	body := raw[5 : 5+n]

	// Frames originating from the checksummed detector id count their
	// checksum byte in the declared length. Strip it; receive-side
	// verification is deliberately not performed.
	if f.SrcDevice() == DevDetector && len(body) > 0 {
		f.Checksum = body[len(body)-1]
		f.HasChecksum = true
		body = body[:len(body)-1]
	}

	f.Payload = append([]byte(nil), body...)
	return f, nil
}

// EncodeFrame builds a wire frame addressed to device dst from device src.
// When withChecksum is true the 8-bit sum of all preceding bytes is appended
// and counted in the length byte, matching what a checksummed detector
// expects.
func EncodeFrame(dst, src, id byte, payload []byte, withChecksum bool) []byte {
	n := len(payload)
	if n > MaxPayload-1 {
		n = MaxPayload - 1
		payload = payload[:n]
	}

	declared := n
	if withChecksum {
		declared++
	}

	buf := make([]byte, 0, 6+declared)
	buf = append(buf, SOF, DestBase|dst, SrcBase|src, id, byte(declared))
	buf = append(buf, payload...)
	if withChecksum {
		var sum byte
		for _, b := range buf {
			sum += b
		}
		buf = append(buf, sum)
	}
	return append(buf, EOF)
}

// Checksum8 returns the 8-bit sum of b. Exposed for the proxy relay, which
// re-frames companion writes without re-deriving the codec's arithmetic.
func Checksum8(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}
