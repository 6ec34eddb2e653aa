package esp

import (
	"bytes"
	"testing"
)

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"too short", []byte{SOF, 0xDA, 0xE6, 0x01, 0x00, EOF}},
		{"bad start marker", []byte{0x00, 0xDA, 0xE6, 0x01, 0x02, 0x11, 0x22, EOF}},
		{"bad end marker", []byte{SOF, 0xDA, 0xE6, 0x01, 0x02, 0x11, 0x22, 0x00}},
		{"length disagrees with buffer", []byte{SOF, 0xDA, 0xE6, 0x01, 0x05, 0x11, 0x22, EOF}},
		{"length over cap", append(append([]byte{SOF, 0xDA, 0xE6, 0x01, 0xFF}, make([]byte, 255)...), EOF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(tt.raw); err != ErrMalformed {
				t.Fatalf("DecodeFrame() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeFrameStripsDetectorChecksum(t *testing.T) {
	// src 0xEA is the checksummed detector; the last declared byte is its
	// checksum and must be recorded, not returned as payload.
	raw := []byte{SOF, 0xD6, 0xEA, PktRespVersion, 0x05, 'V', '4', '.', '1', 0x99, EOF}
	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !f.HasChecksum || f.Checksum != 0x99 {
		t.Errorf("checksum = (%v, %#x), want (true, 0x99)", f.HasChecksum, f.Checksum)
	}
	if !bytes.Equal(f.Payload, []byte{'V', '4', '.', '1'}) {
		t.Errorf("payload = % X, want the version string without checksum", f.Payload)
	}
}

func TestDecodeFrameKeepsUnchecksummedPayload(t *testing.T) {
	raw := []byte{SOF, 0xD6, 0xE9, PktRespVersion, 0x04, 'V', '4', '.', '1', EOF}
	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.HasChecksum {
		t.Error("no-checksum detector variant must not have a checksum stripped")
	}
	if len(f.Payload) != 4 {
		t.Errorf("payload length = %d, want 4", len(f.Payload))
	}
}

func TestEncodeFrameChecksum(t *testing.T) {
	raw := EncodeFrame(DevDetector, DevBridge, PktReqChangeMode, []byte{byte(ModeLogic)}, true)

	if raw[0] != SOF || raw[len(raw)-1] != EOF {
		t.Fatalf("markers = %#x…%#x", raw[0], raw[len(raw)-1])
	}
	if raw[1] != DestBase|DevDetector || raw[2] != SrcBase|DevBridge {
		t.Errorf("addressing = %#x %#x", raw[1], raw[2])
	}
	// Length counts payload plus checksum.
	if raw[4] != 2 {
		t.Errorf("length = %d, want 2", raw[4])
	}
	// Checksum is the 8-bit sum of everything before it.
	want := Checksum8(raw[:len(raw)-2])
	if got := raw[len(raw)-2]; got != want {
		t.Errorf("checksum = %#x, want %#x", got, want)
	}
}

func TestEncodeFrameNoChecksumVariant(t *testing.T) {
	raw := EncodeFrame(DevDetectorNoChecksum, DevBridge, PktReqVersion, nil, false)
	if raw[4] != 0 {
		t.Errorf("length = %d, want 0", raw[4])
	}
	if len(raw) != 6 {
		t.Errorf("frame size = %d, want 6", len(raw))
	}
}
