package main

import (
	"fmt"
	"io"

	"livescribe/audio"
	"livescribe/pipeline"
)

func deviceDirection(d audio.DeviceInfo) string {
	switch {
	case d.Loopback:
		return "loop"
	case d.Input && d.Output:
		return "in/out"
	case d.Input:
		return "in"
	case d.Output:
		return "out"
	}
	return "?"
}

func printDevices(w io.Writer, actx audio.Context) {
	devices := audio.ListDevices(actx, func(err error) {
		fmt.Fprintf(w, "Warning: device enumeration failed: %v\n", err)
	})
	fmt.Fprintf(w, "\n=== Audio devices (%s) ===\n\n", audioBackend)
	if len(devices) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		bt := ""
		if audio.IsBluetooth(d.Name) {
			bt = " (BT)"
		}
		fmt.Fprintf(w, " %s %-6s %-48s %dch %6d Hz  %s%s\n",
			mark, deviceDirection(d), d.Name, d.Channels, d.SampleRate, d.ID, bt)
	}
	fmt.Fprintln(w)
}

func deviceLineText(role string, dev *audio.DeviceInfo) string {
	if dev == nil {
		if role == pipeline.RoleMicrophone {
			return "mic: none (loopback only)"
		}
		return role + ": none"
	}
	label := "loop: "
	if role == pipeline.RoleMicrophone {
		label = "mic: "
	}
	suffix := ""
	if audio.IsBluetooth(dev.Name) {
		suffix = " (BT!)"
	}
	return label + dev.Name + suffix
}

func languageLabel(code string) string {
	if code == "" {
		return "auto"
	}
	return code
}
