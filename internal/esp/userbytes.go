package esp

// UserBytesLen is the size of the detector's user settings block.
const UserBytesLen = 6

// UserSettings is the decoded view of the user settings block. Many of
// these bits are stored inverted on the wire (a cleared bit means enabled).
// That inversion is confined to the table below; everything above the codec
// sees plain booleans.
type UserSettings struct {
	XBand              bool
	KBand              bool
	KaBand             bool
	Laser              bool
	BargraphResponsive bool
	KaFalseGuard       bool
	FeatureBGKMuting   bool
	MuteToMuteVolume   bool
	PostMuteBogeyLock  bool
	KMuteTimer         uint8   // seconds, 0..7 encoded in three bits
	RawReserved        [2]byte // unmodeled bits of bytes 0..1, carried through untouched
	RawSpare           [4]byte // bytes 2..5, carried through untouched
}

// userBit describes one boolean setting's wire position.
type userBit struct {
	byteIdx  int
	mask     byte
	inverted bool
	get      func(*UserSettings) *bool
}

var userBits = []userBit{
	{0, 0x01, true, func(s *UserSettings) *bool { return &s.XBand }},
	{0, 0x02, true, func(s *UserSettings) *bool { return &s.KBand }},
	{0, 0x04, true, func(s *UserSettings) *bool { return &s.KaBand }},
	{0, 0x08, true, func(s *UserSettings) *bool { return &s.Laser }},
	{0, 0x10, false, func(s *UserSettings) *bool { return &s.BargraphResponsive }},
	{0, 0x20, true, func(s *UserSettings) *bool { return &s.KaFalseGuard }},
	{0, 0x40, true, func(s *UserSettings) *bool { return &s.FeatureBGKMuting }},
	{1, 0x08, false, func(s *UserSettings) *bool { return &s.MuteToMuteVolume }},
	{1, 0x10, true, func(s *UserSettings) *bool { return &s.PostMuteBogeyLock }},
}

const kMuteTimerMask byte = 0x07 // byte 1, low three bits, not inverted

// Bits of bytes 0..1 with no modeled setting. A detector may set them, and a
// write must echo them back unchanged or it clobbers device state.
var reservedMasks = [2]byte{0x80, 0xE0}

// DecodeUserBytes interprets a raw settings block.
func DecodeUserBytes(raw [UserBytesLen]byte) UserSettings {
	var s UserSettings
	for _, b := range userBits {
		set := raw[b.byteIdx]&b.mask != 0
		if b.inverted {
			set = !set
		}
		*b.get(&s) = set
	}
	s.KMuteTimer = raw[1] & kMuteTimerMask
	s.RawReserved[0] = raw[0] & reservedMasks[0]
	s.RawReserved[1] = raw[1] & reservedMasks[1]
	copy(s.RawSpare[:], raw[2:])
	return s
}

// EncodeUserBytes serializes settings back to the wire block. Unmodeled
// bits and bytes come from RawReserved and RawSpare, preserving whatever
// the detector reported on readback.
func EncodeUserBytes(s UserSettings) [UserBytesLen]byte {
	var raw [UserBytesLen]byte
	raw[0] = s.RawReserved[0] & reservedMasks[0]
	raw[1] = s.RawReserved[1] & reservedMasks[1]
	copy(raw[2:], s.RawSpare[:])
	for _, b := range userBits {
		set := *b.get(&s)
		if b.inverted {
			set = !set
		}
		if set {
			raw[b.byteIdx] |= b.mask
		}
	}
	raw[1] |= s.KMuteTimer & kMuteTimerMask
	return raw
}

// DecodeUserBytesFrame extracts and decodes a respUserBytes payload.
func DecodeUserBytesFrame(f *Frame) (UserSettings, [UserBytesLen]byte, error) {
	if f.ID != PktRespUserBytes || len(f.Payload) < UserBytesLen {
		return UserSettings{}, [UserBytesLen]byte{}, ErrMalformed
	}
	var raw [UserBytesLen]byte
	copy(raw[:], f.Payload[:UserBytesLen])
	return DecodeUserBytes(raw), raw, nil
}
