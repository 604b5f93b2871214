package audio

import "sync"

// Compile-time interface assertion.
var _ CaptureStream = (*PushStream)(nil)

// PushStream is a [CaptureStream] fed by a producer calling [PushStream.Push]
// or [PushStream.TryPush]. Blocks are delivered in push order. After Close,
// pushes are rejected and Samples is closed once the consumer has been
// released.
//
// PushStream is safe for concurrent use.
type PushStream struct {
	rate int
	in   chan []float32
	out  chan []float32
	done chan struct{}
	once sync.Once
}

// NewPushStream returns a stream of mono samples at rate with room for
// buffer blocks in flight.
func NewPushStream(rate, buffer int) *PushStream {
	if buffer < 0 {
		buffer = 0
	}
	s := &PushStream{
		rate: rate,
		in:   make(chan []float32, buffer),
		out:  make(chan []float32),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *PushStream) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case b := <-s.in:
			select {
			case s.out <- b:
			case <-s.done:
				return
			}
		}
	}
}

// Push delivers block, blocking while the buffer is full. It reports false
// once the stream is closed.
func (s *PushStream) Push(block []float32) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- block:
		return true
	case <-s.done:
		return false
	}
}

// TryPush delivers block without blocking. It reports false when the stream
// is closed or the buffer is full, in which case the block is dropped.
func (s *PushStream) TryPush(block []float32) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- block:
		return true
	default:
		return false
	}
}

// SampleRate implements [CaptureStream].
func (s *PushStream) SampleRate() int { return s.rate }

// Samples implements [CaptureStream].
func (s *PushStream) Samples() <-chan []float32 { return s.out }

// Done is closed when the stream has been closed.
func (s *PushStream) Done() <-chan struct{} { return s.done }

// Close implements [CaptureStream]. Idempotent.
func (s *PushStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
