package pipeline

const (
	speechMinRatio   = 0.10
	speechClearRatio = 0.15 // higher threshold to clear warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // nothing but silence for a full window
	SilenceWarnClear              // speech resumed after warning
	SilenceRepeat                 // still silent one window after the last warning
)

func (e SilenceEvent) String() string {
	switch e {
	case SilenceWarn:
		return "warn"
	case SilenceWarnClear:
		return "clear"
	case SilenceRepeat:
		return "repeat"
	}
	return "none"
}

// silenceMonitor tracks, per processed segment, whether it carried sound,
// over a sliding window of the last windowSz segments.
type silenceMonitor struct {
	windowSz int

	ticks    int
	window   []bool
	warned   bool
	lastWarn int
}

func newSilenceMonitor(windowSz int) *silenceMonitor {
	if windowSz < 1 {
		windowSz = 1
	}
	return &silenceMonitor{
		windowSz: windowSz,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) ratio() float64 {
	n := min(m.ticks, m.windowSz)
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSound bool) SilenceEvent {
	m.window[m.ticks%m.windowSz] = hasSound
	m.ticks++

	r := m.ratio()

	if m.ticks >= m.windowSz && r < speechMinRatio && !m.warned {
		m.warned = true
		m.lastWarn = m.ticks
		return SilenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}
	if m.warned && m.ticks-m.lastWarn >= m.windowSz {
		m.lastWarn = m.ticks
		return SilenceRepeat
	}
	return SilenceNone
}

// Reset forgets history, e.g. after the microphone changes.
func (m *silenceMonitor) Reset() {
	m.ticks = 0
	m.warned = false
	m.lastWarn = 0
	clear(m.window)
}
