package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

func TestPushStream_DeliversInOrder(t *testing.T) {
	t.Parallel()
	s := audio.NewPushStream(16000, 4)
	defer s.Close()

	for i := range 3 {
		if !s.Push([]float32{float32(i)}) {
			t.Fatalf("Push(%d) = false", i)
		}
	}
	for i := range 3 {
		select {
		case b := <-s.Samples():
			if b[0] != float32(i) {
				t.Errorf("block %d = %v, want %v", i, b[0], float32(i))
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for block %d", i)
		}
	}
	if s.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", s.SampleRate())
	}
}

func TestPushStream_TryPushDropsWhenFull(t *testing.T) {
	t.Parallel()
	s := audio.NewPushStream(16000, 0)
	defer s.Close()

	// Nobody reads Samples, so at most the forwarder holds one block.
	accepted := 0
	for range 4 {
		if s.TryPush([]float32{1}) {
			accepted++
		}
		time.Sleep(5 * time.Millisecond)
	}
	if accepted > 1 {
		t.Errorf("accepted %d blocks with no reader, want at most 1", accepted)
	}
}

func TestPushStream_Close(t *testing.T) {
	t.Parallel()
	s := audio.NewPushStream(48000, 2)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.Push([]float32{1}) {
		t.Error("Push after Close = true")
	}
	if s.TryPush([]float32{1}) {
		t.Error("TryPush after Close = true")
	}
	select {
	case _, ok := <-s.Samples():
		for ok {
			_, ok = <-s.Samples()
		}
	case <-time.After(time.Second):
		t.Fatal("Samples not closed after Close")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
}
