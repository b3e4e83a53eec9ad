package audio

import (
	"math"
	"testing"
)

func constFrame(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func testVADConfig() *VADConfig {
	return &VADConfig{EnergyThreshold: 500.0, SilenceFrames: 10, FrameSize: 160}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constFrame(160, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("speechStarted should only fire once, fired on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	for i := 0; i < 5; i++ {
		isSpeaking, started, ended := vad.ProcessFrame(constFrame(160, 10))
		if isSpeaking || started || ended {
			t.Errorf("Expected no speech events on silent frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(constFrame(160, 5000))
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessFrame(constFrame(160, 10)); ended {
			endedAt = i
			break
		}
	}
	if endedAt != 9 {
		t.Errorf("Expected speech to end on the 10th silent frame, got index %d", endedAt)
	}
	if vad.IsSpeaking() {
		t.Error("Expected IsSpeaking false after speech end")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(constFrame(160, 5000))

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected FrameSize 320 (20ms at 16kHz), got %d", config.FrameSize)
	}
}

func TestDetectSpeechSpans(t *testing.T) {
	const rate = 16000
	cfg := &VADConfig{EnergyThreshold: 500, SilenceFrames: 5, FrameSize: 320}

	var samples []int16
	samples = append(samples, constFrame(rate/2, 0)...)    // 0.0-0.5 silence
	samples = append(samples, constFrame(rate, 4000)...)   // 0.5-1.5 speech
	samples = append(samples, constFrame(rate, 0)...)      // 1.5-2.5 silence
	samples = append(samples, constFrame(rate/2, 4000)...) // 2.5-3.0 speech

	spans := DetectSpeechSpans(samples, rate, cfg)
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d: %+v", len(spans), spans)
	}

	want := []Span{{0.5, 1.5}, {2.5, 3.0}}
	for i, w := range want {
		if math.Abs(spans[i].Start-w.Start) > 0.021 || math.Abs(spans[i].End-w.End) > 0.021 {
			t.Errorf("span %d = %+v, want ~%+v", i, spans[i], w)
		}
	}
}

func TestDetectSpeechSpans_AllSilence(t *testing.T) {
	spans := DetectSpeechSpans(constFrame(16000, 0), 16000, nil)
	if len(spans) != 0 {
		t.Errorf("Expected no spans, got %+v", spans)
	}
}

func TestDetectSilence(t *testing.T) {
	tests := []struct {
		name  string
		level int16
		want  bool
	}{
		{"quiet", 10, true},
		{"at threshold", 500, false},
		{"loud", 5000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectSilence(constFrame(160, tt.level), 500.0); got != tt.want {
				t.Errorf("DetectSilence(%d) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}

	// The detector shares the same boundary.
	vad := NewVADDetector(testVADConfig())
	if speaking, _, _ := vad.ProcessFrame(constFrame(160, 500)); !speaking {
		t.Error("Expected a frame at the threshold to count as speech")
	}
}
