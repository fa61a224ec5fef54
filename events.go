package main

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"livescribe/audio"
	"livescribe/pipeline"
	"livescribe/sink"
)

type segmentMsg struct {
	Index int
	Line  sink.Line
}
type skippedMsg struct {
	Index  int
	Reason string
}
type deviceMsg struct {
	Role string
	Text string
}
type silenceMsg struct{ Event pipeline.SilenceEvent }
type errorMsg struct{ Err error }

// teaObserver forwards pipeline events to the TUI program.
type teaObserver struct {
	mu   sync.Mutex
	prog *tea.Program
}

func (o *teaObserver) setProgram(p *tea.Program) {
	o.mu.Lock()
	o.prog = p
	o.mu.Unlock()
}

func (o *teaObserver) send(msg tea.Msg) {
	o.mu.Lock()
	p := o.prog
	o.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (o *teaObserver) Device(role string, dev *audio.DeviceInfo) {
	o.send(deviceMsg{Role: role, Text: deviceLineText(role, dev)})
}

func (o *teaObserver) Segment(index int, line sink.Line) {
	o.send(segmentMsg{Index: index, Line: line})
}

func (o *teaObserver) Skipped(index int, reason string) {
	o.send(skippedMsg{Index: index, Reason: reason})
}

func (o *teaObserver) Silence(ev pipeline.SilenceEvent) { o.send(silenceMsg{Event: ev}) }
func (o *teaObserver) Error(err error)                  { o.send(errorMsg{Err: err}) }

// consoleObserver prints transcript lines and notable events.
type consoleObserver struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleObserver(w io.Writer) *consoleObserver {
	return &consoleObserver{w: w}
}

func (o *consoleObserver) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

func (o *consoleObserver) Device(role string, dev *audio.DeviceInfo) {
	o.printf("[%s] %s\n", role, deviceLineText(role, dev))
}

func (o *consoleObserver) Segment(_ int, line sink.Line) {
	o.printf("%s\n", line)
}

func (o *consoleObserver) Skipped(int, string) {}

func (o *consoleObserver) Silence(ev pipeline.SilenceEvent) {
	switch ev {
	case pipeline.SilenceWarn, pipeline.SilenceRepeat:
		o.printf("[warn] no audio on either source, check the output device and microphone\n")
	case pipeline.SilenceWarnClear:
		o.printf("[info] audio resumed\n")
	}
}

func (o *consoleObserver) Error(err error) {
	o.printf("[error] %v\n", err)
}
