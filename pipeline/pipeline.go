// Package pipeline drives capture, segmentation, transcription and the
// transcript sink from a single controller goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"livescribe/audio"
	"livescribe/capture"
	"livescribe/dedup"
	"livescribe/dsp"
	"livescribe/log"
	"livescribe/sink"
	"livescribe/transcriber"
)

const (
	RoleLoopback   = "loopback"
	RoleMicrophone = "microphone"
)

var (
	ErrRunning = errors.New("pipeline already running")
	ErrStopped = errors.New("pipeline stopped")
	// ErrMicFallback is reported when the requested microphone could not be
	// opened and another input was used instead.
	ErrMicFallback = errors.New("requested microphone unavailable")
)

type Config struct {
	Segment           time.Duration
	PollInterval      time.Duration
	TranscribeTimeout time.Duration
	SilenceThreshold  float64
	SilenceWarnAfter  int // segments
	Language          string
	MicID             string
	NoMic             bool
	MicGain           int32
	// MaxBuffered caps undrained audio per channel.
	MaxBuffered time.Duration
}

func (c *Config) defaults() {
	if c.Segment <= 0 {
		c.Segment = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 2 * time.Minute
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = dsp.SilenceThreshold
	}
	if c.SilenceWarnAfter <= 0 {
		c.SilenceWarnAfter = 6
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 120 * time.Second
	}
}

type LineWriter interface {
	Append(sink.Line) error
}

// resetter is implemented by sinks that can start a fresh transcript.
type resetter interface {
	Reset(now time.Time) error
}

type Deps struct {
	Audio       audio.Context
	Transcriber transcriber.Transcriber
	Resampler   Resampler
	Sink        LineWriter
	Observer    Observer         // optional
	Now         func() time.Time // optional
}

// Segment is one window of mono audio at TargetRate.
type Segment struct {
	Index   int
	Time    time.Time
	Samples []float32
}

func (s Segment) Duration() time.Duration {
	return time.Duration(len(s.Samples)) * time.Second / TargetRate
}

// State is a snapshot of the mutable settings.
type State struct {
	Segment    time.Duration
	Language   string
	Microphone string
	Restarting bool
	Running    bool
}

type Stats struct {
	Segments int
	Written  int
	Skipped  int
}

type DeviceListing struct {
	Devices []audio.DeviceInfo
	Active  string
}

type Pipeline struct {
	cfg  Config
	deps Deps

	// Controller goroutine only.
	seg         *Segmenter
	stitch      *dedup.Stitcher
	silence     *silenceMonitor
	lastDropped uint64

	mu       sync.Mutex
	language string
	micID    string
	noMic    bool
	restart  bool
	reset    bool
	running  bool
	loop     *capture.Channel
	mic      *capture.Channel
	stats    Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, deps Deps) *Pipeline {
	cfg.defaults()
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		seg:      NewSegmenter(cfg.Segment),
		stitch:   dedup.NewStitcher(),
		silence:  newSilenceMonitor(cfg.SilenceWarnAfter),
		language: cfg.Language,
		micID:    cfg.MicID,
		noMic:    cfg.NoMic,
		stopCh:   make(chan struct{}),
	}
}

// Run opens the loopback (required) and microphone (optional) streams and
// processes segments until ctx is cancelled or Stop is called. A segment
// being transcribed when that happens is finished first.
//
// A Pipeline runs once: after Stop, Run returns ErrStopped without opening
// any device.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		return ErrStopped
	default:
	}
	p.running = true
	p.mu.Unlock()
	defer p.closeChannels()

	if err := p.open(); err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pipeline) open() error {
	dev, err := audio.FindLoopback(p.deps.Audio)
	if err != nil {
		return err
	}
	loop, err := p.openChannel(RoleLoopback, *dev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.loop = loop
	noMic := p.noMic
	p.mu.Unlock()
	p.deps.Observer.Device(RoleLoopback, dev)

	if noMic {
		log.Degraded(RoleMicrophone, "disabled")
		p.deps.Observer.Device(RoleMicrophone, nil)
	} else {
		p.openMic()
	}
	return nil
}

func (p *Pipeline) openChannel(role string, dev audio.DeviceInfo) (*capture.Channel, error) {
	channels := min(max(dev.Channels, 1), 2)
	rate := dev.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	ch, err := capture.Open(p.deps.Audio, role, dev, capture.Options{
		BufferDuration: p.cfg.PollInterval,
		MaxBuffered:    int(p.cfg.MaxBuffered.Seconds()*float64(rate)) * channels * 2,
		Gain:           p.gain(role),
	})
	if err != nil {
		return nil, err
	}
	log.DeviceResolved(role, dev.Name, dev.ID, ch.Channels(), ch.SampleRate())
	return ch, nil
}

func (p *Pipeline) gain(role string) int32 {
	if role == RoleMicrophone {
		return p.cfg.MicGain
	}
	return 0
}

// openMic resolves and opens the microphone. Failure leaves the pipeline in
// loopback-only mode.
func (p *Pipeline) openMic() {
	p.mu.Lock()
	id := p.micID
	p.mu.Unlock()

	dev, err := audio.FindMicrophone(p.deps.Audio, id)
	if err == nil {
		var ch *capture.Channel
		if ch, err = p.openChannel(RoleMicrophone, *dev); err == nil {
			p.mu.Lock()
			p.mic = ch
			p.mu.Unlock()
			p.deps.Observer.Device(RoleMicrophone, dev)
			if id != "" && dev.ID != id {
				log.Degraded(RoleMicrophone, fmt.Sprintf("%q unavailable, using %s", id, dev.Name))
				p.deps.Observer.Error(fmt.Errorf("%w: %q, using %s", ErrMicFallback, id, dev.Name))
			}
			return
		}
	}
	log.Degraded(RoleMicrophone, "loopback only: "+err.Error())
	p.deps.Observer.Device(RoleMicrophone, nil)
}

func (p *Pipeline) closeMic() {
	p.mu.Lock()
	mic := p.mic
	p.mic = nil
	p.mu.Unlock()
	if mic != nil {
		mic.Close()
	}
}

func (p *Pipeline) closeChannels() {
	p.closeMic()
	p.mu.Lock()
	loop := p.loop
	p.loop = nil
	p.running = false
	p.mu.Unlock()
	if loop != nil {
		loop.Close()
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	p.mu.Lock()
	restart, reset := p.restart, p.reset
	p.restart, p.reset = false, false
	loop := p.loop
	p.mu.Unlock()

	if reset {
		p.resetTranscript()
	}
	if restart {
		p.restartMic()
	}
	if !p.seg.Ready(loop.BufferedFrames(), loop.SampleRate()) {
		return
	}
	p.processSegment(ctx)
}

// restartMic swaps only the microphone. The loopback stream and its buffer
// are left alone.
func (p *Pipeline) restartMic() {
	p.closeMic()
	p.mu.Lock()
	noMic := p.noMic
	p.mu.Unlock()
	if !noMic {
		p.openMic()
	}
	p.seg.Reset()
	p.silence.Reset()
}

func (p *Pipeline) resetTranscript() {
	p.stitch.Reset()
	r, ok := p.deps.Sink.(resetter)
	if !ok {
		return
	}
	if err := r.Reset(p.deps.Now()); err != nil {
		log.Errorf("reset transcript: %v", err)
		p.deps.Observer.Error(err)
		return
	}
	log.Info("transcript_reset")
}

func (p *Pipeline) processSegment(ctx context.Context) {
	p.mu.Lock()
	loop, mic, lang := p.loop, p.mic, p.language
	p.mu.Unlock()

	lb := source{raw: loop.Drain(), channels: loop.Channels(), sampleRate: loop.SampleRate()}
	var ms *source
	if mic != nil {
		ms = &source{raw: mic.Drain(), channels: mic.Channels(), sampleRate: mic.SampleRate()}
	}
	p.seg.Drained()
	idx := p.seg.Index()
	defer p.seg.Done()

	metrics := log.Segment{Index: idx, Dropped: p.droppedSince(loop, mic)}
	defer func() { log.SegmentMetrics(metrics) }()

	now := p.deps.Now()
	start := time.Now()
	c, err := condition(p.deps.Resampler, lb, ms)
	metrics.ConditionMs = millis(time.Since(start))
	if err != nil {
		p.skip(&metrics, "error")
		log.Errorf("segment %d: %v", idx, err)
		p.deps.Observer.Error(fmt.Errorf("segment %d: %w", idx, err))
		return
	}
	if c.micErr != nil {
		log.Degraded(RoleMicrophone, fmt.Sprintf("segment %d loopback only: %v", idx, c.micErr))
	}
	seg := Segment{Index: idx, Time: now, Samples: c.samples}
	metrics.AudioS = seg.Duration().Seconds()
	metrics.LoopbackRMS = c.loopbackRMS
	metrics.MicRMS = c.micRMS
	metrics.HasMic = c.hasMic
	metrics.MixedRMS = dsp.RMS(seg.Samples)

	silent := dsp.IsSilence(seg.Samples, p.cfg.SilenceThreshold)
	if ev := p.silence.Tick(!silent); ev != SilenceNone {
		p.deps.Observer.Silence(ev)
	}
	if silent {
		p.skip(&metrics, "silence")
		return
	}

	start = time.Now()
	text, err := p.transcribe(ctx, seg, lang)
	metrics.TranscribeMs = millis(time.Since(start))
	if err != nil {
		log.Errorf("transcribe segment %d: %v", idx, err)
		if apiErr := (*transcriber.APIError)(nil); errors.As(err, &apiErr) && apiErr.RateLimited() {
			log.Degraded(p.deps.Transcriber.Name(), "rate limited")
		}
		p.deps.Observer.Error(fmt.Errorf("transcribe segment %d: %w", idx, err))
	}
	if text == "" {
		p.skip(&metrics, "no_speech")
		return
	}

	text, dup := p.stitch.Accept(text)
	if dup {
		p.skip(&metrics, "duplicate")
		return
	}

	line := sink.Line{Time: seg.Time, Text: text}
	if err := p.deps.Sink.Append(line); err != nil {
		p.skip(&metrics, "error")
		log.Errorf("write segment %d: %v", idx, err)
		p.deps.Observer.Error(err)
		return
	}
	metrics.Outcome = "written"
	metrics.Words = len(strings.Fields(text))
	p.count(true)
	p.deps.Observer.Segment(idx, line)
}

// transcribe runs the engine with its own deadline. Cancelling ctx does not
// abort a call in flight.
func (p *Pipeline) transcribe(ctx context.Context, seg Segment, lang string) (string, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TranscribeTimeout)
	defer cancel()
	res, err := p.deps.Transcriber.Transcribe(tctx, seg.Samples, TargetRate, lang)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	return strings.TrimSpace(res.Text), nil
}

func (p *Pipeline) skip(m *log.Segment, reason string) {
	m.Outcome = reason
	p.count(false)
	p.deps.Observer.Skipped(m.Index, reason)
}

func (p *Pipeline) count(written bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Segments++
	if written {
		p.stats.Written++
	} else {
		p.stats.Skipped++
	}
}

func (p *Pipeline) droppedSince(loop, mic *capture.Channel) uint64 {
	total := loop.Dropped()
	if mic != nil {
		total += mic.Dropped()
	}
	// The counter restarts with a new mic channel.
	if total < p.lastDropped {
		p.lastDropped = 0
	}
	d := total - p.lastDropped
	p.lastDropped = total
	return d
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Stop ends Run after the current tick. It is final; see Run.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// SwapMicrophone asks the controller to reopen the microphone on id, which
// must be one of DeviceListing's devices. An empty id selects the default
// input.
func (p *Pipeline) SwapMicrophone(id string) error {
	if id != "" && !slices.ContainsFunc(audio.InputDevices(p.deps.Audio), func(d audio.DeviceInfo) bool {
		return d.ID == id
	}) {
		return fmt.Errorf("%w: %q is not a microphone", audio.ErrDeviceNotFound, id)
	}
	p.mu.Lock()
	p.micID = id
	p.noMic = false
	p.restart = true
	p.mu.Unlock()
	return nil
}

// ResetTranscript starts a new transcript file and forgets the previous
// text used for overlap removal. It takes effect on the next tick.
func (p *Pipeline) ResetTranscript() {
	p.mu.Lock()
	p.reset = true
	p.mu.Unlock()
}

// SetLanguage changes the language for following segments. An empty code
// means auto-detect.
func (p *Pipeline) SetLanguage(code string) {
	p.mu.Lock()
	p.language = strings.ToLower(strings.TrimSpace(code))
	p.mu.Unlock()
}

func (p *Pipeline) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// ActiveMicrophone returns the id of the open microphone, or "" when running
// loopback-only.
func (p *Pipeline) ActiveMicrophone() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mic == nil {
		return ""
	}
	return p.mic.Device.ID
}

// Levels returns the most recent loopback and microphone RMS.
func (p *Pipeline) Levels() (loop, mic float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loop != nil {
		loop = p.loop.Level()
	}
	if p.mic != nil {
		mic = p.mic.Level()
	}
	return loop, mic
}

func (p *Pipeline) DeviceListing() DeviceListing {
	return DeviceListing{
		Devices: audio.InputDevices(p.deps.Audio),
		Active:  p.ActiveMicrophone(),
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Segment:    p.cfg.Segment,
		Language:   p.language,
		Restarting: p.restart,
		Running:    p.running,
	}
	if p.mic != nil {
		s.Microphone = p.mic.Device.ID
	}
	return s
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
