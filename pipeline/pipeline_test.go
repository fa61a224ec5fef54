package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"livescribe/audio"
	"livescribe/sink"
	"livescribe/transcriber"
)

var (
	monitorDev = audio.DeviceInfo{ID: "monitor", Name: "Speakers.monitor", Input: true, Output: true, Channels: 1, SampleRate: 16000, Loopback: true, IsDefault: true}
	mic1Dev    = audio.DeviceInfo{ID: "mic1", Name: "Built-in Mic", Input: true, Channels: 1, SampleRate: 16000, IsDefault: true}
	mic2Dev    = audio.DeviceInfo{ID: "mic2", Name: "USB Headset", Input: true, Channels: 2, SampleRate: 16000}

	fixedNow = time.Date(2025, 3, 14, 15, 9, 26, 0, time.Local)
)

// square returns seconds of a square wave at RMS amp, interleaved for channels.
func square(seconds float64, rate, channels int, amp float64) []byte {
	frames := int(seconds * float64(rate))
	v := int16(amp * 32768)
	b := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		s := v
		if (i/40)%2 == 1 {
			s = -v
		}
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(b[(i*channels+c)*2:], uint16(s))
		}
	}
	return b
}

func silence(seconds float64, rate, channels int) []byte {
	return make([]byte, int(seconds*float64(rate))*channels*2)
}

// passResampler decimates by index. err fails every call; failSrc fails
// only calls from that rate.
type passResampler struct {
	err     error
	failSrc int
}

func (r passResampler) Resample(s []float32, src, dst int) ([]float32, error) {
	if r.failSrc != 0 && src == r.failSrc {
		return nil, errors.New("soxr: not enough input")
	}
	if r.err != nil {
		return nil, r.err
	}
	if src == dst {
		return s, nil
	}
	out := make([]float32, len(s)*dst/src)
	for i := range out {
		out[i] = s[i*src/dst]
	}
	return out, nil
}

type memSink struct {
	mu     sync.Mutex
	lines  []sink.Line
	resets int
	err    error
}

func (m *memSink) Reset(time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
	m.resets++
	return nil
}

func (m *memSink) Append(l sink.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.lines = append(m.lines, l)
	return nil
}

func (m *memSink) Lines() []sink.Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sink.Line(nil), m.lines...)
}

type recorder struct {
	mu      sync.Mutex
	skipped []string
	written []int
	silence []SilenceEvent
	errs    []error
	devices map[string]string
}

func (r *recorder) Device(role string, dev *audio.DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices == nil {
		r.devices = map[string]string{}
	}
	if dev == nil {
		r.devices[role] = ""
		return
	}
	r.devices[role] = dev.ID
}

func (r *recorder) Segment(index int, _ sink.Line) {
	r.mu.Lock()
	r.written = append(r.written, index)
	r.mu.Unlock()
}

func (r *recorder) Skipped(_ int, reason string) {
	r.mu.Lock()
	r.skipped = append(r.skipped, reason)
	r.mu.Unlock()
}

func (r *recorder) Silence(ev SilenceEvent) {
	r.mu.Lock()
	r.silence = append(r.silence, ev)
	r.mu.Unlock()
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

type harness struct {
	p    *Pipeline
	actx *audio.FakeContext
	tr   *transcriber.Fake
	sink *memSink
	obs  *recorder
}

func newHarness(t *testing.T, cfg Config, tr *transcriber.Fake, devices ...audio.DeviceInfo) *harness {
	t.Helper()
	h := &harness{
		actx: audio.NewFakeContext(devices...),
		tr:   tr,
		sink: &memSink{},
		obs:  &recorder{},
	}
	if cfg.Segment == 0 {
		cfg.Segment = 10 * time.Second
	}
	h.p = New(cfg, Deps{
		Audio:       h.actx,
		Transcriber: tr,
		Resampler:   passResampler{},
		Sink:        h.sink,
		Observer:    h.obs,
		Now:         func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	if err := h.p.open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.p.closeChannels)
}

func (h *harness) push(id string, data []byte) {
	h.actx.Capture(id).Push(data)
}

func TestSegmenterSchedule(t *testing.T) {
	s := NewSegmenter(10 * time.Second)
	if got := s.Threshold(16000); got != 48000 {
		t.Fatalf("first threshold = %d, want 48000", got)
	}
	if s.Ready(47999, 16000) {
		t.Error("ready below threshold")
	}
	if !s.Ready(48000, 16000) {
		t.Fatal("not ready at threshold")
	}
	if s.Phase() != Draining {
		t.Errorf("phase = %v, want draining", s.Phase())
	}
	s.Drained()
	if s.Ready(1<<20, 16000) {
		t.Error("ready while processing")
	}
	if idx := s.Done(); idx != 0 {
		t.Errorf("Done() = %d, want 0", idx)
	}
	if got := s.Threshold(48000); got != 480000 {
		t.Errorf("steady threshold = %d, want 480000", got)
	}

	s.Reset()
	if s.Index() != 0 || s.Threshold(16000) != 48000 {
		t.Errorf("after reset: index %d threshold %d", s.Index(), s.Threshold(16000))
	}

	short := NewSegmenter(2 * time.Second)
	if got := short.Threshold(16000); got != 32000 {
		t.Errorf("short first threshold = %d, want 32000", got)
	}
}

func TestSilenceMonitor(t *testing.T) {
	m := newSilenceMonitor(3)
	var got []SilenceEvent
	for _, sound := range []bool{false, false, false, false, false, false, true} {
		got = append(got, m.Tick(sound))
	}
	want := []SilenceEvent{SilenceNone, SilenceNone, SilenceWarn, SilenceNone, SilenceNone, SilenceRepeat, SilenceWarnClear}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	m.Reset()
	if ev := m.Tick(false); ev != SilenceNone {
		t.Errorf("after reset = %v", ev)
	}
}

func TestSilentThenSpeech(t *testing.T) {
	h := newHarness(t, Config{NoMic: true}, transcriber.NewFake("hello from the meeting"), monitorDev)
	h.open(t)

	h.push("monitor", silence(3, 16000, 1))
	h.p.tick(context.Background())
	h.push("monitor", silence(10, 16000, 1))
	h.p.tick(context.Background())

	if n := len(h.tr.Calls()); n != 0 {
		t.Fatalf("transcriber called %d times for silence", n)
	}
	if len(h.sink.Lines()) != 0 {
		t.Fatal("silence produced a transcript line")
	}

	h.push("monitor", square(10, 16000, 1, 0.1))
	h.p.tick(context.Background())

	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Samples != 160000 || calls[0].SampleRate != TargetRate {
		t.Errorf("call = %+v", calls[0])
	}
	lines := h.sink.Lines()
	if len(lines) != 1 || lines[0].Text != "hello from the meeting" || !lines[0].Time.Equal(fixedNow) {
		t.Errorf("lines = %+v", lines)
	}
	if !slices.Equal(h.obs.skipped, []string{"silence", "silence"}) {
		t.Errorf("skipped = %v", h.obs.skipped)
	}
	if st := h.p.Stats(); st.Segments != 3 || st.Written != 1 || st.Skipped != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBelowThresholdWaits(t *testing.T) {
	h := newHarness(t, Config{NoMic: true}, transcriber.NewFake("x"), monitorDev)
	h.open(t)

	h.push("monitor", square(2.5, 16000, 1, 0.1))
	h.p.tick(context.Background())
	if len(h.tr.Calls()) != 0 || h.p.seg.Index() != 0 {
		t.Fatal("segment cut before the first threshold")
	}
	h.push("monitor", square(0.5, 16000, 1, 0.1))
	h.p.tick(context.Background())
	if len(h.tr.Calls()) != 1 || h.p.seg.Index() != 1 {
		t.Fatalf("calls %d index %d", len(h.tr.Calls()), h.p.seg.Index())
	}
}

func TestOverlapIsStitched(t *testing.T) {
	tr := transcriber.NewFake(
		"one two three four five six",
		"two three four five six seven eight",
	)
	h := newHarness(t, Config{NoMic: true, Segment: 3 * time.Second}, tr, monitorDev)
	h.open(t)

	for range 3 {
		h.push("monitor", square(3, 16000, 1, 0.1))
		h.p.tick(context.Background())
	}

	var texts []string
	for _, l := range h.sink.Lines() {
		texts = append(texts, l.Text)
	}
	if !slices.Equal(texts, []string{"one two three four five six", "seven eight"}) {
		t.Errorf("lines = %q", texts)
	}
	if !slices.Equal(h.obs.skipped, []string{"duplicate"}) {
		t.Errorf("skipped = %v", h.obs.skipped)
	}
	if !slices.Equal(h.obs.written, []int{0, 1}) {
		t.Errorf("written indexes = %v", h.obs.written)
	}
}

func TestResetTranscriptForgetsOverlap(t *testing.T) {
	tr := transcriber.NewFake("one two three four five six")
	h := newHarness(t, Config{NoMic: true, Segment: 3 * time.Second}, tr, monitorDev)
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())
	h.p.ResetTranscript()
	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())

	// Without the reset the repeated text would be dropped as a duplicate.
	if lines := h.sink.Lines(); len(lines) != 1 || lines[0].Text != "one two three four five six" {
		t.Errorf("lines = %+v", lines)
	}
	if h.sink.resets != 1 {
		t.Errorf("resets = %d, want 1", h.sink.resets)
	}
}

func TestMicIsMixedToShorterLength(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake("both sides"), monitorDev, mic1Dev)
	h.open(t)
	if h.p.ActiveMicrophone() != "mic1" {
		t.Fatalf("active mic = %q", h.p.ActiveMicrophone())
	}

	h.push("mic1", square(2, 16000, 1, 0.1))
	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())

	calls := h.tr.Calls()
	if len(calls) != 1 || calls[0].Samples != 32000 {
		t.Fatalf("calls = %+v, want one call with 32000 samples", calls)
	}
}

func TestEmptyMicFallsBackToLoopback(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake("only the far end"), monitorDev, mic1Dev)
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())

	calls := h.tr.Calls()
	if len(calls) != 1 || calls[0].Samples != 48000 {
		t.Fatalf("calls = %+v, want one call with 48000 samples", calls)
	}
}

func TestNoMicrophoneRunsLoopbackOnly(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake("x"), monitorDev)
	h.open(t)

	if h.p.ActiveMicrophone() != "" {
		t.Errorf("active mic = %q, want none", h.p.ActiveMicrophone())
	}
	if id, ok := h.obs.devices[RoleMicrophone]; !ok || id != "" {
		t.Errorf("microphone device event = %q, %v", id, ok)
	}
	if h.obs.devices[RoleLoopback] != "monitor" {
		t.Errorf("loopback device event = %q", h.obs.devices[RoleLoopback])
	}
}

func TestTranscriberFailureSkipsSegment(t *testing.T) {
	tr := transcriber.NewFake("never")
	tr.SetError(errors.New("backend down"))
	h := newHarness(t, Config{NoMic: true}, tr, monitorDev)
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())

	if len(h.sink.Lines()) != 0 {
		t.Error("failed segment was written")
	}
	if !slices.Equal(h.obs.skipped, []string{"no_speech"}) || len(h.obs.errs) != 1 {
		t.Errorf("skipped %v errs %v", h.obs.skipped, h.obs.errs)
	}
	if h.p.seg.Index() != 1 {
		t.Errorf("index = %d, want 1", h.p.seg.Index())
	}
}

func TestTranscribeTimeout(t *testing.T) {
	tr := transcriber.NewFake("too late")
	tr.SetDelay(time.Second)
	h := newHarness(t, Config{NoMic: true, TranscribeTimeout: 20 * time.Millisecond}, tr, monitorDev)
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	start := time.Now()
	h.p.tick(context.Background())
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("tick took %v", d)
	}
	if !slices.Equal(h.obs.skipped, []string{"no_speech"}) {
		t.Errorf("skipped = %v", h.obs.skipped)
	}
}

func TestCancelDoesNotAbortInflightCall(t *testing.T) {
	tr := transcriber.NewFake("finished anyway")
	tr.SetDelay(30 * time.Millisecond)
	h := newHarness(t, Config{NoMic: true}, tr, monitorDev)
	h.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(ctx)

	if lines := h.sink.Lines(); len(lines) != 1 || lines[0].Text != "finished anyway" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestResampleFailureSkipsSegment(t *testing.T) {
	h := newHarness(t, Config{NoMic: true}, transcriber.NewFake("x"), monitorDev)
	h.p.deps.Resampler = passResampler{err: errors.New("soxr: bad ratio")}
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())

	if len(h.tr.Calls()) != 0 {
		t.Error("transcriber called after resample failure")
	}
	if !slices.Equal(h.obs.skipped, []string{"error"}) {
		t.Errorf("skipped = %v", h.obs.skipped)
	}
}

func TestMicResampleFailureKeepsLoopback(t *testing.T) {
	mic48 := audio.DeviceInfo{ID: "mic48", Name: "USB Mic", Input: true, Channels: 1, SampleRate: 48000, IsDefault: true}
	h := newHarness(t, Config{}, transcriber.NewFake("still here"), monitorDev, mic48)
	h.p.deps.Resampler = passResampler{failSrc: 48000}
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.push("mic48", square(0.01, 48000, 1, 0.1))
	h.p.tick(context.Background())

	calls := h.tr.Calls()
	if len(calls) != 1 || calls[0].Samples != 48000 {
		t.Fatalf("calls = %+v, want one loopback-only segment", calls)
	}
	if lines := h.sink.Lines(); len(lines) != 1 || lines[0].Text != "still here" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestSinkFailureIsReported(t *testing.T) {
	h := newHarness(t, Config{NoMic: true}, transcriber.NewFake("x"), monitorDev)
	h.sink.err = errors.New("disk full")
	h.open(t)

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())
	if !slices.Equal(h.obs.skipped, []string{"error"}) || len(h.obs.errs) != 1 {
		t.Errorf("skipped %v errs %v", h.obs.skipped, h.obs.errs)
	}
}

func TestHotSwapMicrophone(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake("a", "b"), monitorDev, mic1Dev, mic2Dev)
	h.open(t)
	oldMic := h.actx.Capture("mic1")
	loop := h.actx.Capture("monitor")

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())
	if h.p.seg.Index() != 1 {
		t.Fatalf("index = %d, want 1", h.p.seg.Index())
	}

	h.push("monitor", square(5, 16000, 1, 0.1))
	if err := h.p.SwapMicrophone("mic2"); err != nil {
		t.Fatal(err)
	}
	if !h.p.State().Restarting {
		t.Error("restart flag not set")
	}
	h.p.tick(context.Background())

	if !oldMic.Closed() {
		t.Error("old microphone left open")
	}
	if loop.Closed() {
		t.Error("loopback was reopened")
	}
	if got := h.p.ActiveMicrophone(); got != "mic2" {
		t.Errorf("active mic = %q", got)
	}
	if !slices.Equal(h.actx.Opened(), []string{"monitor", "mic1", "mic2"}) {
		t.Errorf("opened = %v", h.actx.Opened())
	}

	// The 5s of loopback audio survived the swap and, with the segmenter back
	// on its first-segment threshold, was cut on the same tick.
	calls := h.tr.Calls()
	if len(calls) != 2 || calls[1].Samples != 80000 {
		t.Fatalf("calls = %+v", calls)
	}
	if h.p.seg.Index() != 1 {
		t.Errorf("index after swap = %d, want 1", h.p.seg.Index())
	}
}

func TestSwapToUnknownDevice(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake(), monitorDev, mic1Dev)
	if err := h.p.SwapMicrophone("ghost"); !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
	if h.p.State().Restarting {
		t.Error("restart flag set for unknown device")
	}
}

func TestSwapToLoopbackIsRejected(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake(), monitorDev, mic1Dev, mic2Dev)
	h.open(t)
	if err := h.p.SwapMicrophone("monitor"); !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
	if h.p.State().Restarting {
		t.Error("restart flag set for a loopback device")
	}
	h.p.tick(context.Background())
	if got := h.p.ActiveMicrophone(); got != "mic1" {
		t.Errorf("active = %q, want mic1", got)
	}
	if opened := h.actx.Opened(); !slices.Equal(opened, []string{"monitor", "mic1"}) {
		t.Errorf("opened = %v", opened)
	}
}

func TestUnavailableMicFallbackIsReported(t *testing.T) {
	h := newHarness(t, Config{MicID: "ghost"}, transcriber.NewFake(), monitorDev, mic1Dev)
	h.open(t)
	if got := h.p.ActiveMicrophone(); got != "mic1" {
		t.Fatalf("active = %q, want fallback mic1", got)
	}
	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], ErrMicFallback) {
		t.Errorf("errs = %v, want ErrMicFallback", h.obs.errs)
	}
}

func TestSetLanguage(t *testing.T) {
	h := newHarness(t, Config{NoMic: true, Language: "en"}, transcriber.NewFake("bonjour"), monitorDev)
	h.open(t)
	h.p.SetLanguage(" FR ")
	if h.p.Language() != "fr" {
		t.Fatalf("Language() = %q", h.p.Language())
	}

	h.push("monitor", square(3, 16000, 1, 0.1))
	h.p.tick(context.Background())
	if calls := h.tr.Calls(); len(calls) != 1 || calls[0].Language != "fr" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestLevelsAndListing(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake(), monitorDev, mic1Dev, mic2Dev)
	h.open(t)

	h.push("monitor", square(0.5, 16000, 1, 0.1))
	loop, mic := h.p.Levels()
	if math.Abs(loop-0.1) > 0.001 || mic != 0 {
		t.Errorf("levels = %v, %v", loop, mic)
	}

	l := h.p.DeviceListing()
	if l.Active != "mic1" || len(l.Devices) != 2 {
		t.Errorf("listing = %+v", l)
	}
}

func TestRunWithoutLoopback(t *testing.T) {
	h := newHarness(t, Config{}, transcriber.NewFake(), mic1Dev)
	err := h.p.Run(context.Background())
	if !errors.Is(err, audio.ErrNoLoopback) {
		t.Fatalf("Run() = %v, want ErrNoLoopback", err)
	}
	if len(h.actx.Opened()) != 0 {
		t.Errorf("opened = %v", h.actx.Opened())
	}
}

func TestRunClosesStreamsOnStop(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond}, transcriber.NewFake(), monitorDev, mic1Dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.p.ActiveMicrophone() == "" {
		select {
		case <-deadline:
			t.Fatal("microphone never opened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := h.p.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run() = %v, want ErrRunning", err)
	}

	h.p.Stop()
	h.p.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	for _, id := range []string{"monitor", "mic1"} {
		if !h.actx.Capture(id).Closed() {
			t.Errorf("%s left open", id)
		}
	}

	if err := h.p.Run(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after Stop = %v, want ErrStopped", err)
	}
	if opened := h.actx.Opened(); len(opened) != 2 {
		t.Errorf("devices reopened after Stop: %v", opened)
	}
	if h.p.State().Running {
		t.Error("still marked running")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond, NoMic: true}, transcriber.NewFake(), monitorDev)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
