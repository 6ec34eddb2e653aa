package esp

// infDisplayData payload layout (8 bytes minimum):
//
//	[0] bogey counter glyph (seven-segment image)
//	[2] LED bar graph bitmap
//	[1] bogey counter flash image
//	[3] band/arrow image 1
//	[4] band/arrow image 2 — xor against image 1 yields the flashing subset
//	[5] priority alert index
//	[6] mode byte: low 3 bits operating mode, bit 4 soft mute
//	[7] volume nibble pair: high nibble main, low nibble muted
const displayPayloadLen = 8

// Band/arrow image bits.
const (
	bitLaser byte = 0x01
	bitKa    byte = 0x02
	bitK     byte = 0x04
	bitX     byte = 0x08
	bitFront byte = 0x20
	bitSide  byte = 0x40
	bitRear  byte = 0x80

	bandBits  = bitLaser | bitKa | bitK | bitX
	arrowBits = bitFront | bitSide | bitRear
)

const (
	modeMask     byte = 0x07
	softMuteBit  byte = 0x10
)

// Mode is the detector's operating mode as carried in display data and in
// the change-mode command.
type Mode byte

const (
	ModeUnknown       Mode = 0
	ModeAllBogeys     Mode = 1
	ModeLogic         Mode = 2
	ModeAdvancedLogic Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeAllBogeys:
		return "all_bogeys"
	case ModeLogic:
		return "logic"
	case ModeAdvancedLogic:
		return "advanced_logic"
	default:
		return "unknown"
	}
}

// DisplayState is a copy-out snapshot of what the detector's own display is
// showing. It is produced only by DecodeDisplayData; consumers never mutate
// a shared instance.
type DisplayState struct {
	BogeyGlyph   byte
	ActiveBands  byte // bandBits subset, union of both images
	ArrowMask    byte // arrowBits subset, union of both images
	FlashBands   byte // bandBits subset currently flashing
	FlashArrows  byte // arrowBits subset currently flashing
	SignalBars   uint8 // 0..8
	PriorityIdx  uint8
	Mode         Mode
	Muted        bool
	MainVolume   uint8 // 0..15
	MuteVolume   uint8 // 0..15

	// FirmwareVersion is filled in from the version response by the link
	// layer, not by display decode. Nil until the detector has answered.
	FirmwareVersion *uint32
}

// ledBars maps the eight canonical contiguous-bit bar graph bitmaps.
// The detector is observed to occasionally emit non-canonical bitmaps;
// those fall back to a population count rather than being rejected.
var ledBars = map[byte]uint8{
	0x00: 0,
	0x01: 1,
	0x03: 2,
	0x07: 3,
	0x0F: 4,
	0x1F: 5,
	0x3F: 6,
	0x7F: 7,
	0xFF: 8,
}

// DecodeLEDBars converts a bar graph bitmap to a 0..8 bar count.
func DecodeLEDBars(bitmap byte) uint8 {
	if bars, ok := ledBars[bitmap]; ok {
		return bars
	}
	var n uint8
	for b := bitmap; b != 0; b >>= 1 {
		n += uint8(b & 1)
	}
	return n
}

// DecodeDisplayData decodes an infDisplayData frame into a DisplayState.
// Frames shorter than the fixed layout are malformed; longer payloads are
// accepted with the extra bytes ignored (newer firmware appends fields).
func DecodeDisplayData(f *Frame) (DisplayState, error) {
	if f.ID != PktInfDisplayData || len(f.Payload) < displayPayloadLen {
		return DisplayState{}, ErrMalformed
	}
	p := f.Payload

	img1, img2 := p[3], p[4]
	flash := img1 ^ img2
	active := img1 | img2

	return DisplayState{
		BogeyGlyph:  p[0],
		SignalBars:  DecodeLEDBars(p[2]),
		ActiveBands: active & bandBits,
		ArrowMask:   (active & arrowBits) >> 5,
		FlashBands:  flash & bandBits,
		FlashArrows: (flash & arrowBits) >> 5,
		PriorityIdx: p[5] & 0x0F,
		Mode:        Mode(p[6] & modeMask),
		Muted:       p[6]&softMuteBit != 0,
		MainVolume:  p[7] >> 4,
		MuteVolume:  p[7] & 0x0F,
	}, nil
}

// ParseVersion folds the ASCII-digit fields of a respVersion payload into a
// single integer, e.g. "V4.1030" -> 41030. Non-digit bytes are separators.
func ParseVersion(f *Frame) (uint32, error) {
	if f.ID != PktRespVersion || len(f.Payload) == 0 {
		return 0, ErrMalformed
	}
	var v uint32
	var digits int
	for _, b := range f.Payload {
		if b < '0' || b > '9' {
			continue
		}
		v = v*10 + uint32(b-'0')
		digits++
	}
	if digits == 0 {
		return 0, ErrMalformed
	}
	return v, nil
}
