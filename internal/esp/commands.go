package esp

// Encoder builds command frames addressed to the detector. The zero value
// targets the checksummed detector variant; set Checksummed to false after
// discovering a device that advertises the no-checksum id.
//
// Absent sub-fields are expressed as nil pointers at this API boundary; the
// 0xFF "leave unchanged" sentinel exists only in the serialized bytes.
type Encoder struct {
	Checksummed bool
}

// NewEncoder returns an Encoder for the checksummed detector variant.
func NewEncoder() *Encoder { return &Encoder{Checksummed: true} }

func (e *Encoder) dest() byte {
	if e.Checksummed {
		return DevDetector
	}
	return DevDetectorNoChecksum
}

func (e *Encoder) frame(id byte, payload []byte) []byte {
	return EncodeFrame(e.dest(), DevBridge, id, payload, e.Checksummed)
}

// RequestVersion asks the detector for its firmware version string.
func (e *Encoder) RequestVersion() []byte {
	return e.frame(PktReqVersion, nil)
}

// RequestUserBytes asks for the 6-byte user settings block.
func (e *Encoder) RequestUserBytes() []byte {
	return e.frame(PktReqUserBytes, nil)
}

// WriteUserBytes writes the 6-byte user settings block.
func (e *Encoder) WriteUserBytes(b [UserBytesLen]byte) []byte {
	return e.frame(PktReqWriteUserBytes, b[:])
}

// StartAlertData asks the detector to begin streaming its alert table.
func (e *Encoder) StartAlertData() []byte {
	return e.frame(PktReqStartAlertData, nil)
}

// StopAlertData stops the alert table stream.
func (e *Encoder) StopAlertData() []byte {
	return e.frame(PktReqStopAlertData, nil)
}

// TurnOnMainDisplay restores the detector's main display.
func (e *Encoder) TurnOnMainDisplay() []byte {
	return e.frame(PktReqTurnOnMainDisplay, nil)
}

// TurnOffMainDisplay darkens the main display. keepBogeyCounter leaves the
// bogey counter lit, the variant dark-mode installs use.
func (e *Encoder) TurnOffMainDisplay(keepBogeyCounter bool) []byte {
	variant := byte(0x00)
	if keepBogeyCounter {
		variant = 0x01
	}
	return e.frame(PktReqTurnOffMainDisplay, []byte{variant})
}

// SetMute mutes or unmutes the current alert.
func (e *Encoder) SetMute(on bool) []byte {
	if on {
		return e.frame(PktReqMuteOn, nil)
	}
	return e.frame(PktReqMuteOff, nil)
}

// ChangeMode switches the operating mode.
func (e *Encoder) ChangeMode(m Mode) []byte {
	return e.frame(PktReqChangeMode, []byte{byte(m)})
}

// volumeUnchanged is the wire sentinel for "leave this sub-field alone".
const volumeUnchanged byte = 0xFF

// WriteVolume sets main and/or muted volume. A nil field is serialized as
// the 0xFF sentinel the detector interprets as "no change".
func (e *Encoder) WriteVolume(main, muted *uint8) []byte {
	p := []byte{volumeUnchanged, volumeUnchanged, 0x00}
	if main != nil {
		p[0] = *main & 0x0F
	}
	if muted != nil {
		p[1] = *muted & 0x0F
	}
	return e.frame(PktReqWriteVolume, p)
}

// ExpectedAck returns the acknowledgement id the detector answers a given
// request with, and whether the request is acknowledged at all.
func ExpectedAck(requestID byte) (byte, bool) {
	switch requestID {
	case PktReqStartAlertData, PktReqStopAlertData,
		PktReqWriteUserBytes, PktReqWriteVolume:
		return AckDataReceived, true
	case PktReqTurnOnMainDisplay:
		return AckDisplayOn, true
	case PktReqTurnOffMainDisplay:
		return AckDisplayOff, true
	case PktReqMuteOn, PktReqMuteOff:
		return AckMuteChanged, true
	case PktReqChangeMode:
		return AckModeChanged, true
	default:
		return 0, false
	}
}

// EncodeAck builds a detector-originated acknowledgement frame. Used by the
// bench simulator and tests; acks echo the acknowledged request id as their
// single (ignored) payload byte.
func EncodeAck(ackID, requestID byte) []byte {
	return EncodeFrame(DevBridge, DevDetector, ackID, []byte{requestID}, true)
}
