package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/duplex/pkg/audio"
)

func TestClassifyDeviceError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		want    audio.DeviceErrorKind
		message string
	}{
		{"NotFoundError", audio.NoDeviceFound, "No microphone found. Please connect a microphone and try again."},
		{"NotAllowedError", audio.PermissionDenied, "Microphone permission denied. Please allow microphone access and try again."},
		{"PermissionDeniedError", audio.PermissionDenied, "Microphone permission denied. Please allow microphone access and try again."},
		{"NotReadableError", audio.DeviceBusy, "Microphone is being used by another application. Please close it and try again."},
		{"TrackStartError", audio.DeviceBusy, "Microphone is being used by another application. Please close it and try again."},
		{"SomethingElse", audio.DeviceUnknown, "Could not access the microphone. Please check your audio settings and try again."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			de := audio.ClassifyDeviceError(tc.name, "")
			if de.Kind != tc.want {
				t.Errorf("Kind = %v, want %v", de.Kind, tc.want)
			}
			if got := de.UserMessage(); got != tc.message {
				t.Errorf("UserMessage() = %q, want %q", got, tc.message)
			}
		})
	}
}

func TestAsDeviceError(t *testing.T) {
	t.Parallel()
	orig := audio.ClassifyDeviceError("NotAllowedError", "denied by user")
	wrapped := errors.Join(errors.New("outer"), orig)
	if got := audio.AsDeviceError(audio.DeviceUnknown, wrapped); got != orig {
		t.Errorf("expected the wrapped *DeviceError to be returned, got %v", got)
	}

	plain := errors.New("boom")
	got := audio.AsDeviceError(audio.DeviceBusy, plain)
	if got.Kind != audio.DeviceBusy {
		t.Errorf("Kind = %v, want DeviceBusy", got.Kind)
	}
	if !errors.Is(got, plain) {
		t.Error("expected the cause to be preserved")
	}
}

func TestMeter_Measure(t *testing.T) {
	t.Parallel()
	samples := []float32{0, 0, 0, 0, 1, -1, 1, -1}
	lvl := audio.Meter{Bands: 2}.Measure(samples)
	if lvl.Peak != 1 {
		t.Errorf("Peak = %v, want 1", lvl.Peak)
	}
	if lvl.RMS < 0.707 || lvl.RMS > 0.708 {
		t.Errorf("RMS = %v, want ~0.7071", lvl.RMS)
	}
	if len(lvl.Bands) != 2 || lvl.Bands[0] != 0 || lvl.Bands[1] != 1 {
		t.Errorf("Bands = %v, want [0 1]", lvl.Bands)
	}
}

func TestMeter_Empty(t *testing.T) {
	t.Parallel()
	lvl := audio.Meter{}.Measure(nil)
	if lvl.RMS != 0 || lvl.Peak != 0 || len(lvl.Bands) != 8 {
		t.Errorf("unexpected level for empty block: %+v", lvl)
	}
}
