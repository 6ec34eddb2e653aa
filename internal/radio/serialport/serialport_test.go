package serialport

import (
	"bytes"
	"testing"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
)

func scanAll(t *testing.T, sc *frameScanner, stream []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	for _, b := range stream {
		if data, ok := sc.push(b); ok {
			frames = append(frames, data)
		}
	}
	return frames
}

func TestScannerSkipsNoiseBetweenFrames(t *testing.T) {
	frame := esp.EncodeFrame(esp.DevDetector, esp.DevBridge, esp.PktReqVersion, nil, true)
	stream := append([]byte{0x00, 0x13, 0x37}, frame...)
	stream = append(stream, 0xFE, 0xFD)

	frames := scanAll(t, &frameScanner{}, stream)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], frame) {
		t.Errorf("frame = % X, want % X", frames[0], frame)
	}
}

func TestScannerAcceptsMaximalFrame(t *testing.T) {
	// A full-size payload must pass intact; the scan buffer is bounded at
	// the largest legal wire frame, not below it.
	payload := make([]byte, esp.MaxPayload-1)
	for i := range payload {
		payload[i] = byte(i % 0xA9) // keep marker bytes out of the body
	}
	frame := esp.EncodeFrame(esp.DevDetector, esp.DevBridge, esp.PktRespAlertData, payload, true)

	frames := scanAll(t, &frameScanner{}, frame)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], frame) {
		t.Errorf("maximal frame truncated: got %d bytes, want %d", len(frames[0]), len(frame))
	}
	if _, err := esp.DecodeFrame(frames[0]); err != nil {
		t.Errorf("scanned frame does not decode: %v", err)
	}
}

func TestScannerDropsRunawayFrame(t *testing.T) {
	sc := &frameScanner{}
	stream := []byte{esp.SOF}
	for i := 0; i < maxFrame+8; i++ {
		stream = append(stream, 0x42)
	}

	if frames := scanAll(t, sc, stream); len(frames) != 0 {
		t.Fatalf("runaway stream produced %d frames", len(frames))
	}
	// The scanner must recover on the next real frame.
	frame := esp.EncodeFrame(esp.DevDetector, esp.DevBridge, esp.PktReqVersion, nil, true)
	if frames := scanAll(t, sc, frame); len(frames) != 1 {
		t.Fatal("scanner did not recover after a runaway frame")
	}
}
