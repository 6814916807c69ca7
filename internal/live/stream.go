package live

import "sync"

// Stream is the inbound half shared by transport implementations. A single
// reader goroutine calls Emit and Finish; Abandon unblocks it once the
// consumer is gone.
type Stream struct {
	ch       chan Message
	done     chan struct{}
	once     sync.Once
	finished bool
}

func NewStream(size int) *Stream {
	return &Stream{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

func (s *Stream) Messages() <-chan Message { return s.ch }

// Emit delivers m in order. It blocks while the buffer is full and returns
// false if the stream was abandoned.
func (s *Stream) Emit(m Message) bool {
	if s.finished {
		return false
	}
	// Buffered room wins over abandonment so a finished stream still ends in Closed.
	select {
	case s.ch <- m:
		return true
	default:
	}
	select {
	case s.ch <- m:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the stream. A non-empty errReason is reported as a
// TransportError before the final Closed.
func (s *Stream) Finish(errReason, closeReason string) {
	if s.finished {
		return
	}
	if errReason != "" {
		s.Emit(TransportError{Reason: errReason})
	}
	s.Emit(Closed{Reason: closeReason})
	s.finished = true
	close(s.ch)
}

// Abandon releases a reader blocked in Emit. Safe to call more than once.
func (s *Stream) Abandon() {
	s.once.Do(func() { close(s.done) })
}
