package audio

import (
	"errors"
	"strings"
)

var (
	ErrNoLoopback     = errors.New("no loopback device available")
	ErrNoMicrophone   = errors.New("no microphone available")
	ErrDeviceNotFound = errors.New("device not found")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether the endpoint is a
// Bluetooth headset. Headset microphones fall back to narrowband codecs.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives interleaved S16LE frames from the capture thread.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate      uint32
	Channels        uint32
	FramesPerBuffer uint32
	Gain            int32 // linear multiplier, 0 or 1 leaves samples untouched
}

// DeviceInfo is a snapshot of an endpoint taken at enumeration time.
type DeviceInfo struct {
	ID         string // opaque platform-specific identifier
	Name       string
	Input      bool
	Output     bool
	Channels   int
	SampleRate int
	Loopback   bool
	IsDefault  bool
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	// DefaultLoopback returns the platform's render-loopback endpoint for
	// the default output, or ErrNoLoopback.
	DefaultLoopback() (*DeviceInfo, error)
	// DefaultCapture returns the platform default capture endpoint, or
	// ErrNoMicrophone.
	DefaultCapture() (*DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}

func applyGain(s int16, gain int32) int16 {
	if gain <= 1 {
		return s
	}
	amplified := int32(s) * gain
	if amplified > 32767 {
		return 32767
	} else if amplified < -32768 {
		return -32768
	}
	return int16(amplified)
}
