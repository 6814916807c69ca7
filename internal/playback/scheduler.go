// Package playback schedules decoded speech segments back to back on the
// output clock and renders them for the output device.
package playback

import (
	"fmt"
	"sync"

	"github.com/petems/voicelink/internal/pcm"
)

// Segment is one decoded chunk placed on the output timeline.
type Segment struct {
	samples []float32
	start   int64
	rate    int
}

// StartFrame is the output-clock frame the segment begins at.
func (s *Segment) StartFrame() int64 { return s.start }

// Frames is the declared length of the segment.
func (s *Segment) Frames() int { return len(s.samples) }

// EndFrame is the first frame after the segment.
func (s *Segment) EndFrame() int64 { return s.start + int64(len(s.samples)) }

// Start returns the scheduled start in seconds of output clock.
func (s *Segment) Start() float64 { return float64(s.start) / float64(s.rate) }

// Duration returns the declared duration in seconds.
func (s *Segment) Duration() float64 { return float64(len(s.samples)) / float64(s.rate) }

// Scheduler owns the queue of active segments and the next start position.
//
// Render is called from the audio device thread; everything else is called
// from the session loop. onSpeaking is invoked outside the lock and must not
// block.
type Scheduler struct {
	rate       int
	onSpeaking func(bool)

	mu       sync.Mutex
	clock    int64
	next     int64
	active   []*Segment
	speaking bool
}

// New creates a scheduler for a mono output clock at sampleRate.
func New(sampleRate int, onSpeaking func(bool)) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = pcm.OutputSampleRate
	}
	return &Scheduler{
		rate:       sampleRate,
		onSpeaking: onSpeaking,
	}
}

// SampleRate returns the output clock rate.
func (s *Scheduler) SampleRate() int { return s.rate }

// Enqueue schedules buf to start exactly where the previous segment's
// declared duration ends, or now if the queue has drained.
func (s *Scheduler) Enqueue(buf *pcm.Buffer) (*Segment, error) {
	if buf == nil || buf.Frames() == 0 {
		return nil, fmt.Errorf("enqueue: empty buffer")
	}
	if buf.SampleRate != s.rate {
		return nil, fmt.Errorf("enqueue: buffer rate %d Hz does not match output rate %d Hz", buf.SampleRate, s.rate)
	}

	s.mu.Lock()
	start := s.next
	if s.clock > start {
		start = s.clock
	}
	seg := &Segment{samples: downmix(buf), start: start, rate: s.rate}
	s.next = seg.EndFrame()
	s.active = append(s.active, seg)
	changed := !s.speaking
	s.speaking = true
	s.mu.Unlock()

	if changed {
		s.notify(true)
	}
	return seg, nil
}

// FlushAll stops every active segment immediately and resets the timeline
// so the next segment schedules relative to the current clock.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	s.active = nil
	s.next = 0
	changed := s.speaking
	s.speaking = false
	s.mu.Unlock()

	if changed {
		s.notify(false)
	}
}

// Render fills dst with the mix of segments covering the next len(dst)
// frames and advances the output clock. Segments whose declared end has
// been reached are retired.
func (s *Scheduler) Render(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}

	s.mu.Lock()
	winStart := s.clock
	winEnd := winStart + int64(len(dst))
	for _, seg := range s.active {
		from := max(seg.start, winStart)
		to := min(seg.EndFrame(), winEnd)
		for f := from; f < to; f++ {
			dst[f-winStart] += seg.samples[f-seg.start]
		}
	}
	s.clock = winEnd

	kept := s.active[:0]
	for _, seg := range s.active {
		if seg.EndFrame() > s.clock {
			kept = append(kept, seg)
		}
	}
	retired := len(kept) != len(s.active)
	for i := len(kept); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = kept

	changed := retired && len(s.active) == 0 && s.speaking
	if changed {
		s.speaking = false
	}
	s.mu.Unlock()

	if changed {
		s.notify(false)
	}
}

// Speaking reports whether any segment is active.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Active returns the number of scheduled or playing segments.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Now returns the output clock in seconds.
func (s *Scheduler) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.clock) / float64(s.rate)
}

// NextStartTime returns where the next segment would start, in seconds.
// It is 0 after FlushAll.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.next) / float64(s.rate)
}

func (s *Scheduler) notify(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

// downmix averages all channels into a new mono slice.
func downmix(buf *pcm.Buffer) []float32 {
	frames := buf.Frames()
	out := make([]float32, frames)
	if len(buf.Data) == 1 {
		copy(out, buf.Data[0])
		return out
	}
	for _, ch := range buf.Data {
		for i := 0; i < frames; i++ {
			out[i] += ch[i]
		}
	}
	n := float32(len(buf.Data))
	for i := range out {
		out[i] /= n
	}
	return out
}
