package esp

import "testing"

func TestCommandAckRoundTrip(t *testing.T) {
	e := NewEncoder()
	vol := uint8(6)

	tests := []struct {
		name string
		cmd  []byte
	}{
		{"start alert data", e.StartAlertData()},
		{"stop alert data", e.StopAlertData()},
		{"display on", e.TurnOnMainDisplay()},
		{"display off", e.TurnOffMainDisplay(true)},
		{"mute on", e.SetMute(true)},
		{"mute off", e.SetMute(false)},
		{"change mode", e.ChangeMode(ModeLogic)},
		{"write volume", e.WriteVolume(&vol, nil)},
		{"write user bytes", e.WriteUserBytes([UserBytesLen]byte{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cmd[0] != SOF || tt.cmd[len(tt.cmd)-1] != EOF {
				t.Fatalf("command frame markers = %#x…%#x", tt.cmd[0], tt.cmd[len(tt.cmd)-1])
			}
			wantAck, ok := ExpectedAck(tt.cmd[3])
			if !ok {
				t.Fatalf("no ack mapping for packet id %#x", tt.cmd[3])
			}

			ack, err := DecodeFrame(EncodeAck(wantAck, tt.cmd[3]))
			if err != nil {
				t.Fatalf("ack frame does not decode: %v", err)
			}
			if !IsAck(ack.ID) || ack.ID != wantAck {
				t.Errorf("ack id = %#x, want %#x", ack.ID, wantAck)
			}
		})
	}
}

func TestRequestsHaveNoAck(t *testing.T) {
	for _, id := range []byte{PktReqVersion, PktReqUserBytes} {
		if _, ok := ExpectedAck(id); ok {
			t.Errorf("packet %#x answers with a response, not an ack", id)
		}
	}
}

func TestWriteVolumeSentinels(t *testing.T) {
	e := NewEncoder()
	main := uint8(9)

	f, err := DecodeFrame(e.WriteVolume(&main, nil))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.Payload[0] != 9 {
		t.Errorf("main volume byte = %#x, want 9", f.Payload[0])
	}
	// Absent sub-fields serialize as the wire sentinel; the typed API never
	// exposes it.
	if f.Payload[1] != volumeUnchanged {
		t.Errorf("muted volume byte = %#x, want 0xFF sentinel", f.Payload[1])
	}
}

func TestEncoderVariantAddressing(t *testing.T) {
	chk := NewEncoder()
	raw := chk.RequestVersion()
	if raw[1] != DestBase|DevDetector {
		t.Errorf("checksummed dest = %#x", raw[1])
	}
	if raw[4] != 1 {
		t.Errorf("checksummed zero-payload length = %d, want 1", raw[4])
	}

	nochk := &Encoder{Checksummed: false}
	raw = nochk.RequestVersion()
	if raw[1] != DestBase|DevDetectorNoChecksum {
		t.Errorf("no-checksum dest = %#x", raw[1])
	}
	if raw[4] != 0 {
		t.Errorf("no-checksum zero-payload length = %d, want 0", raw[4])
	}
}

func TestUserBytesInversionIsolated(t *testing.T) {
	// All-ones wire block: inverted settings read as disabled, plain ones as
	// enabled.
	raw := [UserBytesLen]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	s := DecodeUserBytes(raw)
	if s.XBand || s.KBand || s.KaBand || s.Laser {
		t.Error("band enables are wire-inverted; 1 bits must decode as off")
	}
	if !s.BargraphResponsive || !s.MuteToMuteVolume {
		t.Error("non-inverted settings must decode as on")
	}
	if s.KMuteTimer != 7 {
		t.Errorf("KMuteTimer = %d, want 7", s.KMuteTimer)
	}
	if s.RawReserved != [2]byte{0x80, 0xE0} {
		t.Errorf("reserved bits = % X, want 80 E0", s.RawReserved)
	}

	// Encode must reproduce the exact block, reserved bits and spare bytes
	// included. A lossy round trip would clobber detector state on write.
	if got := EncodeUserBytes(s); got != raw {
		t.Errorf("EncodeUserBytes() = % X, want % X", got, raw)
	}
}

func TestUserBytesReservedBitsSurviveSettingsEdit(t *testing.T) {
	// A detector reporting reserved bits set must see them echoed back even
	// after the modeled settings change.
	raw := [UserBytesLen]byte{0x80, 0xE5, 0x12, 0x34, 0x56, 0x78}
	s := DecodeUserBytes(raw)
	s.XBand = false
	s.KMuteTimer = 3

	got := EncodeUserBytes(s)
	if got[0]&0x80 == 0 {
		t.Errorf("byte 0 reserved bit lost: % X", got)
	}
	if got[1]&0xE0 != 0xE0 {
		t.Errorf("byte 1 reserved bits lost: % X", got)
	}
	if got[1]&kMuteTimerMask != 3 {
		t.Errorf("KMuteTimer = %d, want 3", got[1]&kMuteTimerMask)
	}
}
