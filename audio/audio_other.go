//go:build !linux

package audio

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

// loopbackSupported reports whether miniaudio can tap render endpoints.
// Only the WASAPI backend implements loopback.
func loopbackSupported() bool {
	return runtime.GOOS == "windows"
}

func (m *malgoContext) describe(kind malgo.DeviceType, d malgo.DeviceInfo) DeviceInfo {
	info := DeviceInfo{
		ID:        hex.EncodeToString(d.ID.Pointer()[:]),
		Name:      d.Name(),
		IsDefault: d.IsDefault != 0,
		Channels:  1,
	}
	if kind == malgo.Playback {
		info.Output = true
		info.Channels = 2
		info.Loopback = loopbackSupported()
		// A loopback tap is opened as a capture stream.
		info.Input = info.Loopback
	} else {
		info.Input = true
	}
	full, err := m.ctx.DeviceInfo(kind, d.ID, malgo.Shared)
	if err == nil && full.FormatCount > 0 {
		f := full.Formats[0]
		if f.Channels > 0 {
			info.Channels = int(f.Channels)
		}
		info.SampleRate = int(f.SampleRate)
	}
	if info.SampleRate == 0 {
		info.SampleRate = 48000
	}
	return info
}

func (m *malgoContext) list(kind malgo.DeviceType) ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, m.describe(kind, d))
	}
	return result, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	capture, err := m.list(malgo.Capture)
	if err != nil {
		return nil, err
	}
	playback, err := m.list(malgo.Playback)
	if err != nil {
		// Inputs are still usable without render endpoints.
		return capture, nil
	}
	return append(capture, playback...), nil
}

func (m *malgoContext) findDefault(kind malgo.DeviceType) (*DeviceInfo, error) {
	devices, err := m.list(kind)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].IsDefault {
			return &devices[i], nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (m *malgoContext) DefaultLoopback() (*DeviceInfo, error) {
	if !loopbackSupported() {
		return nil, fmt.Errorf("%w: %s backend has no loopback", ErrNoLoopback, runtime.GOOS)
	}
	d, err := m.findDefault(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLoopback, err)
	}
	return d, nil
}

func (m *malgoContext) DefaultCapture() (*DeviceInfo, error) {
	d, err := m.findDefault(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMicrophone, err)
	}
	return d, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	kind := malgo.Capture
	if device != nil && device.Loopback {
		kind = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate
	deviceConfig.PeriodSizeInFrames = config.FramesPerBuffer

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{gain: config.Gain}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cb := c.callback.Load()
			if cb == nil {
				return
			}
			// miniaudio reuses its buffer after the callback returns.
			buf := make([]byte, len(data))
			copy(buf, data)
			if c.gain > 1 {
				for i := 0; i+1 < len(buf); i += 2 {
					s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
					s = applyGain(s, c.gain)
					buf[i] = byte(uint16(s))
					buf[i+1] = byte(uint16(s) >> 8)
				}
			}
			(*cb)(buf, frameCount)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	gain     int32
	callback atomic.Pointer[DataCallback]
}

func (c *malgoCapture) Start() error {
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.device.Uninit()
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}
