//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const monitorSuffix = ".monitor"

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("livescribe"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func sourceInfo(s *pulse.Source, defaultID string) DeviceInfo {
	return deviceFromSource(s.ID(), s.Name(), s.Channels(), s.SampleRate(), defaultID)
}

// deviceFromSource maps one PulseAudio source. The channel count is the
// length of its channel map.
func deviceFromSource(id, name string, chmap proto.ChannelMap, rate int, defaultID string) DeviceInfo {
	return DeviceInfo{
		ID:         id,
		Name:       name,
		Input:      true,
		Channels:   len(chmap),
		SampleRate: rate,
		Loopback:   strings.HasSuffix(id, monitorSuffix),
		IsDefault:  id == defaultID,
	}
}

// Devices lists PulseAudio sources. Sink monitors are the loopback taps, so
// sinks themselves are reported only through their ".monitor" source.
func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var defaultID string
	if def, err := p.client.DefaultSource(); err == nil && def != nil {
		defaultID = def.ID()
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		if s == nil || s.ID() == "" {
			continue
		}
		devices = append(devices, sourceInfo(s, defaultID))
	}
	return devices, nil
}

func (p *pulseContext) DefaultLoopback() (*DeviceInfo, error) {
	sink, err := p.client.DefaultSink()
	if err != nil || sink == nil {
		return nil, fmt.Errorf("%w: default sink: %v", ErrNoLoopback, err)
	}
	source, err := p.client.SourceByID(sink.ID() + monitorSuffix)
	if err != nil || source == nil {
		return nil, fmt.Errorf("%w: monitor of %s: %v", ErrNoLoopback, sink.ID(), err)
	}
	info := sourceInfo(source, "")
	info.Loopback = true
	return &info, nil
}

func (p *pulseContext) DefaultCapture() (*DeviceInfo, error) {
	source, err := p.client.DefaultSource()
	if err != nil || source == nil {
		return nil, fmt.Errorf("%w: default source: %v", ErrNoMicrophone, err)
	}
	// Some setups route the default source to a monitor; that is not a mic.
	if strings.HasSuffix(source.ID(), monitorSuffix) {
		return nil, fmt.Errorf("%w: default source %s is a monitor", ErrNoMicrophone, source.ID())
	}
	info := sourceInfo(source, source.ID())
	return &info, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if config.Channels == 0 {
		config.Channels = 1
	}
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	device   *DeviceInfo
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]

	stream *pulse.RecordStream
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := int(c.config.Channels)
	gain := c.config.Gain

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(applyGain(s, gain)))
		}
		(*cb)(data, uint32(len(buf)/channels))
		return len(buf), nil
	})

	latency := 0.05
	if c.config.FramesPerBuffer > 0 && c.config.SampleRate > 0 {
		latency = float64(c.config.FramesPerBuffer) / float64(c.config.SampleRate)
	}

	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(latency),
	}
	if channels >= 2 {
		c.config.Channels = 2
		channels = 2
		opts = append(opts, pulse.RecordStereo)
	} else {
		opts = append(opts, pulse.RecordMono)
	}
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err != nil || source == nil {
			return fmt.Errorf("pulse source %q: %w", c.device.ID, ErrDeviceNotFound)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		stream.Start()
		<-c.stop
		stream.Stop()
		stream.Close()
	}()

	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}
