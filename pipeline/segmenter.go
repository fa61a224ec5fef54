package pipeline

import "time"

// FirstSegment caps the length of the first segment so text appears soon
// after start and after a microphone swap.
const FirstSegment = 3 * time.Second

type Phase int

const (
	WaitingForThreshold Phase = iota
	Draining
	Processing
)

func (s Phase) String() string {
	switch s {
	case WaitingForThreshold:
		return "waiting"
	case Draining:
		return "draining"
	case Processing:
		return "processing"
	}
	return "unknown"
}

// Segmenter decides when enough loopback audio has accumulated to cut a
// segment. Thresholds are counted in loopback source frames.
type Segmenter struct {
	segment time.Duration
	index   int
	phase   Phase
}

func NewSegmenter(segment time.Duration) *Segmenter {
	return &Segmenter{segment: segment}
}

func (s *Segmenter) duration() time.Duration {
	if s.index == 0 {
		return min(FirstSegment, s.segment)
	}
	return s.segment
}

// Threshold is the number of frames at sampleRate the current segment needs.
func (s *Segmenter) Threshold(sampleRate int) int {
	return int(s.duration().Seconds() * float64(sampleRate))
}

// Ready reports whether frames buffered at sampleRate complete a segment.
// It moves the segmenter to Draining when they do.
func (s *Segmenter) Ready(frames, sampleRate int) bool {
	if s.phase != WaitingForThreshold || frames < s.Threshold(sampleRate) {
		return false
	}
	s.phase = Draining
	return true
}

// Drained marks the buffers as taken; conditioning and transcription follow.
func (s *Segmenter) Drained() { s.phase = Processing }

// Done finishes the current segment and returns its index.
func (s *Segmenter) Done() int {
	idx := s.index
	s.index++
	s.phase = WaitingForThreshold
	return idx
}

// Reset makes the next segment a first segment again.
func (s *Segmenter) Reset() {
	s.index = 0
	s.phase = WaitingForThreshold
}

func (s *Segmenter) Index() int   { return s.index }
func (s *Segmenter) Phase() Phase { return s.phase }
