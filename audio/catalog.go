package audio

import (
	"errors"
	"fmt"
)

// ListDevices enumerates every endpoint the backend exposes. It never fails:
// an enumeration error yields an empty list and is returned through warn.
func ListDevices(ctx Context, warn func(error)) []DeviceInfo {
	devices, err := ctx.Devices()
	if err != nil {
		if warn != nil {
			warn(err)
		}
		return nil
	}
	out := devices[:0:0]
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// FindLoopback resolves the loopback tap of the default output. The
// platform default is tried first, then any listed endpoint flagged as
// loopback.
func FindLoopback(ctx Context) (*DeviceInfo, error) {
	d, defErr := ctx.DefaultLoopback()
	if defErr == nil && d != nil {
		return d, nil
	}
	for _, dev := range ListDevices(ctx, nil) {
		if dev.Loopback {
			return &dev, nil
		}
	}
	if defErr != nil && errors.Is(defErr, ErrNoLoopback) {
		return nil, defErr
	}
	return nil, ErrNoLoopback
}

func isMicCandidate(d DeviceInfo) bool {
	return d.Input && !d.Loopback
}

// FindMicrophone walks the fallback chain: explicit id, platform default
// capture endpoint, the listed default input, then the first input-capable
// non-loopback device.
func FindMicrophone(ctx Context, explicitID string) (*DeviceInfo, error) {
	devices := ListDevices(ctx, nil)

	if explicitID != "" {
		for _, d := range devices {
			if d.ID == explicitID && isMicCandidate(d) {
				return &d, nil
			}
		}
	}

	if d, err := ctx.DefaultCapture(); err == nil && d != nil && isMicCandidate(*d) {
		return d, nil
	}

	for _, d := range devices {
		if d.IsDefault && isMicCandidate(d) {
			return &d, nil
		}
	}

	for _, d := range devices {
		if isMicCandidate(d) {
			return &d, nil
		}
	}

	if explicitID != "" {
		return nil, fmt.Errorf("%w: %q not found and no fallback input", ErrNoMicrophone, explicitID)
	}
	return nil, ErrNoMicrophone
}

// InputDevices returns the non-loopback inputs, i.e. the microphones a user
// can switch between.
func InputDevices(ctx Context) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range ListDevices(ctx, nil) {
		if isMicCandidate(d) {
			out = append(out, d)
		}
	}
	return out
}

// DeviceByID looks up a listed device.
func DeviceByID(ctx Context, id string) (*DeviceInfo, error) {
	for _, d := range ListDevices(ctx, nil) {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}
