// Package serialport implements the central radio role over a wired serial
// link. It exists for bench work against a detector on its accessory bus,
// where no BLE stack is involved: frames are delimited by scanning the byte
// stream for the wire start and end markers.
package serialport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
	"github.com/ajmdroid/v1g2-simple-sub000/internal/radio"
)

const (
	readTimeout = time.Second
	eventBuffer = 64

	// benchAddr stands in for a BLE address; the registry keys on it.
	benchAddr = "serial"

	// maxFrame bounds the scan buffer at the largest legal wire frame
	// (five header bytes, a full payload, the end marker). Anything longer
	// without an end marker is line noise.
	maxFrame = 6 + esp.MaxPayload
)

// Central drives the detector over a serial port. Scanning is synthetic:
// the port either exists or it does not, so StartScan reports one immediate
// result and Connect opens the port.
type Central struct {
	log  *zap.Logger
	path string
	baud int

	events chan radio.Event

	mu       sync.Mutex
	port     serial.Port
	stopRead chan struct{}
	closed   bool
}

func New(path string, baud int, log *zap.Logger) *Central {
	return &Central{
		log:    log.Named("serial"),
		path:   path,
		baud:   baud,
		events: make(chan radio.Event, eventBuffer),
	}
}

func (c *Central) Events() <-chan radio.Event { return c.events }

func (c *Central) post(ev radio.Event) {
	ev.At = time.Now()
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

// StartScan posts a single synthetic scan result for the configured port.
// The serial bus carries checksummed framing, matching the BLE default.
func (c *Central) StartScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("serialport: closed")
	}
	c.post(radio.Event{
		Kind:        radio.EventScanResult,
		Addr:        benchAddr,
		Name:        c.path,
		Checksummed: true,
	})
	return nil
}

func (c *Central) StopScan() error { return nil }

// Connect opens the port and starts the frame scanner. Failure to open
// surfaces as EventConnectFailed so the link state machine backs off the
// same way it does for a radio.
func (c *Central) Connect(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("serialport: closed")
	}
	if c.port != nil {
		return nil
	}

	mode := &serial.Mode{BaudRate: c.baud}
	port, err := serial.Open(c.path, mode)
	if err != nil {
		c.post(radio.Event{
			Kind: radio.EventConnectFailed,
			Addr: addr,
			Err:  fmt.Errorf("serialport: open %s: %w", c.path, err),
		})
		return nil
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		c.post(radio.Event{
			Kind: radio.EventConnectFailed,
			Addr: addr,
			Err:  fmt.Errorf("serialport: set read timeout: %w", err),
		})
		return nil
	}

	c.port = port
	c.stopRead = make(chan struct{})
	go c.readLoop(port, c.stopRead)
	c.log.Info("port opened", zap.String("path", c.path), zap.Int("baud", c.baud))
	c.post(radio.Event{Kind: radio.EventConnected, Addr: addr})
	return nil
}

// frameScanner slices complete frames out of the serial byte stream. Bytes
// outside a start/end marker pair are noise and dropped.
type frameScanner struct {
	frame   []byte
	inFrame bool
}

// push consumes one byte and returns an owned copy of a frame when the byte
// completes one.
func (fs *frameScanner) push(b byte) ([]byte, bool) {
	switch {
	case b == esp.SOF:
		fs.frame = append(fs.frame[:0], b)
		fs.inFrame = true
	case !fs.inFrame:
		// Noise between frames.
	case b == esp.EOF:
		fs.frame = append(fs.frame, b)
		fs.inFrame = false
		data := make([]byte, len(fs.frame))
		copy(data, fs.frame)
		return data, true
	case len(fs.frame) >= maxFrame:
		fs.inFrame = false
	default:
		fs.frame = append(fs.frame, b)
	}
	return nil, false
}

// readLoop scans the byte stream for complete frames and posts each as a
// notify on the long channel, mirroring how the detector delivers full
// frames over BLE.
func (c *Central) readLoop(port serial.Port, stop chan struct{}) {
	buf := make([]byte, 256)
	sc := frameScanner{frame: make([]byte, 0, maxFrame)}

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			c.mu.Lock()
			open := c.port == port
			c.port = nil
			c.mu.Unlock()
			if open {
				c.log.Warn("read failed", zap.Error(err))
				port.Close()
				c.post(radio.Event{Kind: radio.EventDisconnected, Addr: benchAddr})
			}
			return
		}
		for _, b := range buf[:n] {
			if data, ok := sc.push(b); ok {
				c.post(radio.Event{Kind: radio.EventNotify, Char: radio.CharNotifyLong, Data: data})
			}
		}
	}
}

func (c *Central) Disconnect() error {
	c.mu.Lock()
	port := c.port
	stop := c.stopRead
	c.port = nil
	c.stopRead = nil
	c.mu.Unlock()
	if port == nil {
		return nil
	}
	close(stop)
	if err := port.Close(); err != nil {
		return fmt.Errorf("serialport: close: %w", err)
	}
	c.post(radio.Event{Kind: radio.EventDisconnected, Addr: benchAddr, NormalReason: true})
	return nil
}

// Write sends a frame down the wire. The characteristic distinction does not
// exist on serial; both map to the same stream.
func (c *Central) Write(char radio.Characteristic, data []byte) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return errors.New("serialport: not connected")
	}
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("serialport: write: %w", err)
	}
	return nil
}

// RemoveBond is meaningless on a wire.
func (c *Central) RemoveBond(addr string) error { return nil }

func (c *Central) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}
