package esp

// Band identifies the radar/laser band of one alert.
type Band uint8

const (
	BandNone Band = iota
	BandX
	BandK
	BandKa
	BandLaser
)

func (b Band) String() string {
	switch b {
	case BandX:
		return "X"
	case BandK:
		return "K"
	case BandKa:
		return "Ka"
	case BandLaser:
		return "Laser"
	default:
		return "none"
	}
}

// Direction bits for AlertEntry and DisplayState arrow masks.
const (
	DirFront uint8 = 1 << 0
	DirSide  uint8 = 1 << 1
	DirRear  uint8 = 1 << 2
)

// AlertEntry is one slot of the detector's alert table. Entries are replaced
// wholesale each time a full table transmission is reassembled; priority
// placement is derived from each entry's own flag, never list order.
type AlertEntry struct {
	Band          Band
	Direction     uint8 // DirFront|DirSide|DirRear bits
	FrontStrength uint8 // 0..8 bars
	RearStrength  uint8 // 0..8 bars
	FrequencyMHz  uint32
	IsPriority    bool
}

// respAlertData payload layout (7 bytes):
//
//	[0] index (high nibble) / expected count (low nibble)
//	[1..2] frequency in MHz, big endian
//	[3] rear RSSI
//	[4] front RSSI
//	[5] band (low bits) and direction (high bits)
//	[6] aux: bit 7 priority
const alertPayloadLen = 7

// AlertChunk is one raw fragment of an alert table transmission, as handed
// to the Reassembler.
type AlertChunk struct {
	Index uint8
	Count uint8
	Body  [alertPayloadLen]byte
}

// DecodeAlertChunk extracts the chunk header and raw body of a respAlertData
// frame. Entry decode is deferred until reassembly completes.
func DecodeAlertChunk(f *Frame) (AlertChunk, error) {
	if f.ID != PktRespAlertData || len(f.Payload) < alertPayloadLen {
		return AlertChunk{}, ErrMalformed
	}
	c := AlertChunk{
		Index: f.Payload[0] >> 4,
		Count: f.Payload[0] & 0x0F,
	}
	copy(c.Body[:], f.Payload[:alertPayloadLen])
	return c, nil
}

// decodeEntry converts a completed chunk body into an AlertEntry.
func decodeEntry(body [alertPayloadLen]byte) AlertEntry {
	band := decodeBand(body[5])
	return AlertEntry{
		Band:          band,
		Direction:     (body[5] & (bitFront | bitSide | bitRear)) >> 5,
		FrequencyMHz:  uint32(body[1])<<8 | uint32(body[2]),
		FrontStrength: SignalBars(band, body[4]),
		RearStrength:  SignalBars(band, body[3]),
		IsPriority:    body[6]&0x80 != 0,
	}
}

func decodeBand(b byte) Band {
	switch {
	case b&bitLaser != 0:
		return BandLaser
	case b&bitKa != 0:
		return BandKa
	case b&bitK != 0:
		return BandK
	case b&bitX != 0:
		return BandX
	default:
		return BandNone
	}
}

// Per-band RSSI thresholds. Each table is monotonic: the bar count is the
// number of thresholds at or below the reported strength. The floors differ
// because X, K and Ka sit on different noise floors in the receiver.
var (
	rssiBarsX  = [8]byte{0x50, 0x68, 0x80, 0x98, 0xB0, 0xC8, 0xD8, 0xE8}
	rssiBarsK  = [8]byte{0x60, 0x78, 0x90, 0xA8, 0xC0, 0xD0, 0xE0, 0xF0}
	rssiBarsKa = [8]byte{0x40, 0x58, 0x70, 0x88, 0xA0, 0xB8, 0xD0, 0xE8}
)

// laserNoiseFloor gates laser hits: the front end reports no granular
// strength for laser, so anything at or above the floor is full scale.
const laserNoiseFloor = 0x20

// SignalBars maps a raw per-band RSSI to the 0..8 bar scale.
func SignalBars(band Band, rssi byte) uint8 {
	var table *[8]byte
	switch band {
	case BandX:
		table = &rssiBarsX
	case BandK:
		table = &rssiBarsK
	case BandKa:
		table = &rssiBarsKa
	case BandLaser:
		if rssi >= laserNoiseFloor {
			return 8
		}
		return 0
	default:
		return 0
	}
	var bars uint8
	for _, th := range table {
		if rssi >= th {
			bars++
		}
	}
	return bars
}
