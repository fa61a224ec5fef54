// Package capture owns one open audio stream and the bytes it has
// delivered but nobody has drained yet.
package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"livescribe/audio"
)

type Options struct {
	// BufferDuration sets the hardware period. Defaults to 500ms.
	BufferDuration time.Duration
	// MaxBuffered caps undrained bytes; further frames are dropped and
	// counted. Zero means 120s of audio at the device format.
	MaxBuffered int
	Gain        int32
}

// Channel accumulates callback data for one device. The callback is the
// only writer; Drain is the only reader.
type Channel struct {
	Role   string
	Device audio.DeviceInfo

	channels   int
	sampleRate int
	maxBytes   int

	stream audio.CaptureDevice

	mu  sync.Mutex
	buf []byte

	level   atomic.Uint64 // math.Float64bits of the last callback's RMS
	errs    atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
}

// Open starts capturing from dev. The stream records at the device's native
// rate with at most two channels.
func Open(actx audio.Context, role string, dev audio.DeviceInfo, opts Options) (*Channel, error) {
	channels := dev.Channels
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}
	rate := dev.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	if opts.BufferDuration <= 0 {
		opts.BufferDuration = 500 * time.Millisecond
	}
	maxBytes := opts.MaxBuffered
	if maxBytes <= 0 {
		maxBytes = 120 * rate * channels * 2
	}

	c := &Channel{
		Role:       role,
		Device:     dev,
		channels:   channels,
		sampleRate: rate,
		maxBytes:   maxBytes,
	}

	frames := uint32(opts.BufferDuration.Seconds() * float64(rate))
	stream, err := actx.NewCapture(&dev, audio.CaptureConfig{
		SampleRate:      uint32(rate),
		Channels:        uint32(channels),
		FramesPerBuffer: frames,
		Gain:            opts.Gain,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s %q: %w", role, dev.Name, err)
	}
	stream.SetCallback(c.onData)
	if err := stream.Start(); err != nil {
		stream.ClearCallback()
		stream.Close()
		return nil, fmt.Errorf("start %s %q: %w", role, dev.Name, err)
	}
	c.stream = stream
	return c, nil
}

func (c *Channel) onData(data []byte, _ uint32) {
	defer func() {
		if r := recover(); r != nil {
			c.errs.Add(1)
		}
	}()

	c.level.Store(math.Float64bits(rmsS16(data)))
	c.appendFrames(data)
}

func (c *Channel) appendFrames(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.maxBytes - len(c.buf)
	if room < len(data) {
		// Keep whole frames so the buffer stays aligned.
		frame := 2 * c.channels
		room -= room % frame
		if room < 0 {
			room = 0
		}
		c.dropped.Add(uint64(len(data) - room))
		data = data[:room]
	}
	c.buf = append(c.buf, data...)
}

func rmsS16(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Drain takes every buffered byte and leaves the buffer empty.
func (c *Channel) Drain() []byte {
	c.mu.Lock()
	out := c.buf
	c.buf = nil
	c.mu.Unlock()
	return out
}

func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// BufferedFrames is the number of whole frames waiting to be drained.
func (c *Channel) BufferedFrames() int {
	return c.Buffered() / (2 * c.channels)
}

func (c *Channel) Channels() int   { return c.channels }
func (c *Channel) SampleRate() int { return c.sampleRate }

// Level is the RMS of the most recent callback, in [0,1].
func (c *Channel) Level() float64 { return math.Float64frombits(c.level.Load()) }

// Errors counts callbacks that panicked.
func (c *Channel) Errors() uint64 { return c.errs.Load() }

// Dropped counts bytes discarded because the buffer was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Close stops the stream and releases it. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.stream.ClearCallback()
		c.stream.Stop()
		c.stream.Close()
		c.level.Store(0)
	})
}
