package esp

import "testing"

func TestDecodeLEDBars(t *testing.T) {
	tests := []struct {
		bitmap byte
		want   uint8
	}{
		// Canonical contiguous patterns.
		{0x00, 0},
		{0x01, 1},
		{0x07, 3},
		{0x1F, 5},
		{0xFF, 8},
		// Non-canonical bitmaps fall back to population count; the detector
		// emits these occasionally and they must not decode to garbage.
		{0x55, 4},
		{0x42, 2},
		{0x80, 1},
	}
	for _, tt := range tests {
		if got := DecodeLEDBars(tt.bitmap); got != tt.want {
			t.Errorf("DecodeLEDBars(%#08b) = %d, want %d", tt.bitmap, got, tt.want)
		}
	}
}

func TestDecodeDisplayDataVector(t *testing.T) {
	// Known-good capture: 3 bars, Laser+K lit steady, main volume 8.
	raw := []byte{0xAA, 0xDA, 0xE4, 0x31, 0x08, 0x00, 0x00, 0x07, 0x05, 0x05, 0x00, 0x00, 0x80, 0xAB}

	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.ID != PktInfDisplayData {
		t.Fatalf("packet id = %#x, want infDisplayData", f.ID)
	}

	ds, err := DecodeDisplayData(f)
	if err != nil {
		t.Fatalf("DecodeDisplayData() error = %v", err)
	}
	if ds.SignalBars != 3 {
		t.Errorf("SignalBars = %d, want 3", ds.SignalBars)
	}
	if ds.ActiveBands != bitLaser|bitK {
		t.Errorf("ActiveBands = %#x, want Laser|K (%#x)", ds.ActiveBands, bitLaser|bitK)
	}
	if ds.FlashBands != 0 || ds.FlashArrows != 0 {
		t.Errorf("flash = (%#x, %#x), want none", ds.FlashBands, ds.FlashArrows)
	}
	if ds.Muted {
		t.Error("Muted = true, want false")
	}
	if ds.MainVolume != 8 || ds.MuteVolume != 0 {
		t.Errorf("volume = (%d, %d), want (8, 0)", ds.MainVolume, ds.MuteVolume)
	}
}

func TestDecodeDisplayDataFlashingSubset(t *testing.T) {
	payload := []byte{
		0x00, 0x00,
		0x0F,             // 4 bars
		bitKa | bitFront, // image 1
		bitKa,            // image 2: arrow differs, so the arrow flashes
		0x01,
		byte(ModeAdvancedLogic) | softMuteBit,
		0x35,
	}
	f := &Frame{ID: PktInfDisplayData, Payload: payload}

	ds, err := DecodeDisplayData(f)
	if err != nil {
		t.Fatalf("DecodeDisplayData() error = %v", err)
	}
	if ds.FlashArrows != DirFront {
		t.Errorf("FlashArrows = %#x, want front", ds.FlashArrows)
	}
	if ds.FlashBands != 0 {
		t.Errorf("FlashBands = %#x, want none", ds.FlashBands)
	}
	if ds.ActiveBands != bitKa || ds.ArrowMask != DirFront {
		t.Errorf("active = (%#x, %#x), want Ka front", ds.ActiveBands, ds.ArrowMask)
	}
	if ds.Mode != ModeAdvancedLogic || !ds.Muted {
		t.Errorf("mode/mute = (%v, %v), want advanced_logic muted", ds.Mode, ds.Muted)
	}
	if ds.MainVolume != 3 || ds.MuteVolume != 5 {
		t.Errorf("volume = (%d, %d), want (3, 5)", ds.MainVolume, ds.MuteVolume)
	}
}

func TestDecodeDisplayDataTooShort(t *testing.T) {
	f := &Frame{ID: PktInfDisplayData, Payload: []byte{1, 2, 3}}
	if _, err := DecodeDisplayData(f); err != ErrMalformed {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    uint32
		wantErr bool
	}{
		{"dotted", "V4.1030", 41030, false},
		{"plain digits", "41031", 41031, false},
		{"no digits", "V..", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Frame{ID: PktRespVersion, Payload: []byte(tt.payload)}
			got, err := ParseVersion(f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("version = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSignalBarsMonotonic(t *testing.T) {
	for _, band := range []Band{BandX, BandK, BandKa} {
		prev := uint8(0)
		for rssi := 0; rssi <= 0xFF; rssi++ {
			bars := SignalBars(band, byte(rssi))
			if bars < prev {
				t.Fatalf("%v bars decreased: rssi %#x gave %d after %d", band, rssi, bars, prev)
			}
			prev = bars
		}
		if prev != 8 {
			t.Errorf("%v full-scale = %d, want 8", band, prev)
		}
	}
}

func TestSignalBarsLaserIsBinary(t *testing.T) {
	if got := SignalBars(BandLaser, laserNoiseFloor-1); got != 0 {
		t.Errorf("below floor = %d, want 0", got)
	}
	if got := SignalBars(BandLaser, laserNoiseFloor); got != 8 {
		t.Errorf("at floor = %d, want 8", got)
	}
}
