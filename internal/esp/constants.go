package esp

// Frame markers.
const (
	SOF byte = 0xAA
	EOF byte = 0xAB
)

// Destination bytes are 0xD0|id, source bytes 0xE0|id.
const (
	DestBase byte = 0xD0
	SrcBase  byte = 0xE0
)

// Device identifiers on the accessory bus.
const (
	DevConcealedDisplay byte = 0x00
	DevRemoteAudio      byte = 0x01
	DevSavvy            byte = 0x02
	DevThirdParty1      byte = 0x03
	DevThirdParty2      byte = 0x04
	DevThirdParty3      byte = 0x05
	DevBridge           byte = 0x06
	DevGeneralBroadcast byte = 0x08
	// The detector reports itself under one of two ids depending on whether
	// its checksum option is enabled. Frames from DevDetector carry a
	// trailing checksum byte inside the declared payload length.
	DevDetectorNoChecksum byte = 0x09
	DevDetector           byte = 0x0A
)

// Packet identifiers.
const (
	PktReqVersion byte = 0x01
	PktRespVersion byte = 0x02

	PktReqUserBytes      byte = 0x11
	PktRespUserBytes     byte = 0x12
	PktReqWriteUserBytes byte = 0x13

	PktInfDisplayData        byte = 0x31
	PktReqTurnOffMainDisplay byte = 0x32
	PktReqTurnOnMainDisplay  byte = 0x33
	PktReqMuteOn             byte = 0x34
	PktReqMuteOff            byte = 0x35
	PktReqChangeMode         byte = 0x36
	PktReqWriteVolume        byte = 0x39

	PktReqStartAlertData byte = 0x41
	PktReqStopAlertData  byte = 0x42
	PktRespAlertData     byte = 0x43
)

// Acknowledgement packet ids. All are logically zero-payload: the detector
// echoes the request id as a single ignored byte ahead of its checksum.
const (
	AckDataReceived byte = 0x61
	AckUnsupported  byte = 0x64
	AckNotProcessed byte = 0x65
	AckBusy         byte = 0x66
	AckDataError    byte = 0x67
	AckDisplayOn    byte = 0x68
	AckDisplayOff   byte = 0x69
	AckMuteChanged  byte = 0x6A
	AckModeChanged  byte = 0x6B
)

// MaxPayload is the largest payload a frame may declare.
const MaxPayload = 250

// MaxAlertSlots mirrors the detector's fixed alert table size.
const MaxAlertSlots = 12

// IsAck reports whether id is one of the nine acknowledgement packet ids.
func IsAck(id byte) bool {
	switch id {
	case AckDataReceived, AckUnsupported, AckNotProcessed, AckBusy,
		AckDataError, AckDisplayOn, AckDisplayOff, AckMuteChanged, AckModeChanged:
		return true
	}
	return false
}

// AckName returns a human-readable label for an ack id.
func AckName(id byte) string {
	switch id {
	case AckDataReceived:
		return "data_received"
	case AckUnsupported:
		return "unsupported_packet"
	case AckNotProcessed:
		return "request_not_processed"
	case AckBusy:
		return "detector_busy"
	case AckDataError:
		return "data_error"
	case AckDisplayOn:
		return "display_on"
	case AckDisplayOff:
		return "display_off"
	case AckMuteChanged:
		return "mute_changed"
	case AckModeChanged:
		return "mode_changed"
	default:
		return "unknown"
	}
}
