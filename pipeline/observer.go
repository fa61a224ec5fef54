package pipeline

import (
	"livescribe/audio"
	"livescribe/sink"
)

// Observer receives pipeline events on the controller goroutine.
// Implementations must not block.
type Observer interface {
	// Device reports the device opened for role; nil when none is open.
	Device(role string, dev *audio.DeviceInfo)
	Segment(index int, line sink.Line)
	Skipped(index int, reason string)
	Silence(ev SilenceEvent)
	Error(err error)
}

type NopObserver struct{}

func (NopObserver) Device(string, *audio.DeviceInfo) {}
func (NopObserver) Segment(int, sink.Line)           {}
func (NopObserver) Skipped(int, string)              {}
func (NopObserver) Silence(SilenceEvent)             {}
func (NopObserver) Error(error)                      {}
