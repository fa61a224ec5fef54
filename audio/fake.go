package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

const fakeFrameSize = 1024

// FakeLoopbackID is the device NewFakeContextFromWAV exposes.
const FakeLoopbackID = "fake-loopback"

// FakeContext is an in-memory backend. Devices are configured up front;
// captures either replay PCM assigned with SetPCM or are driven by Push.
type FakeContext struct {
	mu         sync.Mutex
	devices    []DeviceInfo
	loopbackID string
	captureID  string
	pcm        map[string][]byte
	realtime   bool
	captures   map[string]*FakeCapture
	opened     []string

	// DevicesErr, when set, is returned from Devices.
	DevicesErr error
}

func NewFakeContext(devices ...DeviceInfo) *FakeContext {
	f := &FakeContext{
		devices:  devices,
		pcm:      make(map[string][]byte),
		captures: make(map[string]*FakeCapture),
	}
	for _, d := range devices {
		if d.IsDefault && d.Loopback && f.loopbackID == "" {
			f.loopbackID = d.ID
		}
		if d.IsDefault && d.Input && !d.Loopback && f.captureID == "" {
			f.captureID = d.ID
		}
	}
	return f
}

// NewFakeContextFromWAV exposes a single loopback device that replays the
// file. With realtime set the file is paced at its sample rate and followed
// by silence; otherwise it is delivered at once on Start.
func NewFakeContextFromWAV(wavPath string, realtime bool) (*FakeContext, error) {
	pcm, rate, channels, err := ReadWAV(wavPath)
	if err != nil {
		return nil, err
	}
	dev := DeviceInfo{
		ID:         FakeLoopbackID,
		Name:       "WAV " + wavPath,
		Input:      true,
		Output:     true,
		Channels:   channels,
		SampleRate: rate,
		Loopback:   true,
		IsDefault:  true,
	}
	f := NewFakeContext(dev)
	f.realtime = realtime
	f.SetPCM(dev.ID, pcm)
	return f, nil
}

// ReadWAV decodes a PCM WAV file into interleaved S16LE bytes.
func ReadWAV(path string) (pcm []byte, sampleRate, channels int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decoding %s: %w", path, err)
	}
	shift := int(dec.BitDepth) - 16
	pcm = make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}

func (f *FakeContext) SetDefaults(loopbackID, captureID string) {
	f.mu.Lock()
	f.loopbackID, f.captureID = loopbackID, captureID
	f.mu.Unlock()
}

func (f *FakeContext) SetPCM(id string, pcm []byte) {
	f.mu.Lock()
	f.pcm[id] = pcm
	f.mu.Unlock()
}

// Capture returns the most recent capture opened on the device.
func (f *FakeContext) Capture(id string) *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[id]
}

// Opened lists device ids in the order captures were created.
func (f *FakeContext) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	return append([]DeviceInfo(nil), f.devices...), nil
}

func (f *FakeContext) lookup(id string) (*DeviceInfo, bool) {
	for i := range f.devices {
		if f.devices[i].ID == id {
			d := f.devices[i]
			return &d, true
		}
	}
	return nil, false
}

func (f *FakeContext) DefaultLoopback() (*DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lookup(f.loopbackID); ok {
		return d, nil
	}
	return nil, ErrNoLoopback
}

func (f *FakeContext) DefaultCapture() (*DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lookup(f.captureID); ok {
		return d, nil
	}
	return nil, ErrNoMicrophone
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookup(device.ID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, device.ID)
	}
	channels := int(config.Channels)
	if channels < 1 {
		channels = 1
	}
	c := &FakeCapture{
		pcm:        f.pcm[device.ID],
		realtime:   f.realtime,
		channels:   channels,
		sampleRate: int(config.SampleRate),
		audioDone:  make(chan struct{}),
	}
	f.captures[device.ID] = c
	f.opened = append(f.opened, device.ID)
	return c, nil
}

type FakeCapture struct {
	pcm        []byte
	realtime   bool
	channels   int
	sampleRate int
	audioDone  chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	started  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.closed {
		return nil
	}
	return f.cb
}

// Push delivers interleaved S16LE bytes as one hardware callback. It is a
// no-op unless the capture is started.
func (f *FakeCapture) Push(data []byte) {
	cb := f.callback()
	if cb == nil {
		return
	}
	cb(data, uint32(len(data)/(2*f.channels)))
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/(2*f.channels)))
	return end
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	f.started = true
	stopCh := make(chan struct{})
	f.stopCh = stopCh
	f.mu.Unlock()

	if len(f.pcm) == 0 {
		return nil
	}

	chunkBytes := fakeFrameSize * 2 * f.channels

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)
		return nil
	}

	rate := f.sampleRate
	if rate <= 0 {
		rate = 16000
	}
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(rate)
	feedDone := make(chan struct{})
	f.mu.Lock()
	f.feedDone = feedDone
	f.mu.Unlock()
	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false

		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if cb := f.callback(); cb != nil {
				if pos < len(f.pcm) {
					pos = f.feedChunk(cb, pos, chunkBytes)
				} else {
					if !audioFinished {
						audioFinished = true
						close(f.audioDone)
					}
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.started = false
	f.mu.Unlock()
	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	}
	if feedDone != nil {
		<-feedDone
	}
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
