package server

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
)

// micBuffer is the number of sample blocks buffered between the WebSocket
// reader and the capture pipeline.
const micBuffer = 32

var errMicPending = errors.New("server: microphone request already pending")

// browserInput is the microphone of a browser on the other end of a
// WebSocket. Open asks the browser for the microphone and waits for its
// "mic" reply; samples then arrive as binary messages.
type browserInput struct {
	// request sends mic_request to the browser. It reports false when the
	// connection is gone.
	request func() bool

	mu      sync.Mutex
	pending chan ClientMessage
	stream  *audio.PushStream
	dropped uint64
}

var _ audio.InputDevice = (*browserInput)(nil)

// Open implements [audio.InputDevice].
func (b *browserInput) Open(ctx context.Context) (audio.CaptureStream, error) {
	reply := make(chan ClientMessage, 1)
	b.mu.Lock()
	if b.pending != nil {
		b.mu.Unlock()
		return nil, errMicPending
	}
	b.pending = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()
	}()

	if !b.request() {
		return nil, audio.AsDeviceError(audio.DeviceUnknown, errors.New("browser disconnected"))
	}

	select {
	case m := <-reply:
		if m.Error != "" || m.SampleRate <= 0 {
			name := m.Error
			if name == "" {
				name = "InvalidSampleRate"
			}
			return nil, audio.ClassifyDeviceError(name, m.Detail)
		}
		stream := audio.NewPushStream(m.SampleRate, micBuffer)
		b.mu.Lock()
		if b.stream != nil {
			b.stream.Close()
		}
		b.stream = stream
		b.mu.Unlock()
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// answer delivers the browser's "mic" reply to a waiting Open. It reports
// false when nobody asked.
func (b *browserInput) answer(m ClientMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return false
	}
	select {
	case b.pending <- m:
		return true
	default:
		return false
	}
}

// push feeds samples to the open stream. Samples arriving while no stream
// is open, or faster than the pipeline consumes them, are dropped.
func (b *browserInput) push(samples []float32) bool {
	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()
	if stream != nil && stream.TryPush(samples) {
		return true
	}
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	return false
}

// Dropped returns the number of sample blocks dropped so far.
func (b *browserInput) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// close releases the current stream.
func (b *browserInput) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
}
