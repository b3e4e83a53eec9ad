package audio

// VADConfig holds configuration for the energy-based voice activity detector
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end a speech run
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns 20ms frames at 16kHz with a 200ms hangover.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       320,
	}
}

// Span is a speech interval in seconds from the start of the audio.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VADDetector performs frame-by-frame voice activity detection
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := !DetectSilence(samples, v.config.EnergyThreshold)

	var speechStarted, speechEnded bool
	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSpeechSpans runs the detector over a whole mono buffer. A span ends at
// the last voiced frame, not at the end of the hangover.
func DetectSpeechSpans(samples []int16, sampleRate int, config *VADConfig) []Span {
	if config == nil {
		config = DefaultVADConfig()
	}
	if sampleRate <= 0 || config.FrameSize <= 0 {
		return nil
	}

	det := NewVADDetector(config)

	var (
		spans     []Span
		start     float64
		lastVoice float64
	)
	for off := 0; off < len(samples); off += config.FrameSize {
		end := off + config.FrameSize
		if end > len(samples) {
			end = len(samples)
		}
		frame := samples[off:end]
		t := float64(off) / float64(sampleRate)

		speaking, started, ended := det.ProcessFrame(frame)
		if started {
			start = t
		}
		if speaking && !DetectSilence(frame, config.EnergyThreshold) {
			lastVoice = t + float64(len(frame))/float64(sampleRate)
		}
		if ended {
			spans = append(spans, Span{Start: start, End: lastVoice})
		}
	}
	if det.IsSpeaking() {
		spans = append(spans, Span{Start: start, End: lastVoice})
	}

	return spans
}

// DetectSilence reports whether samples fall below the energy threshold.
// Frames at or above it count as speech.
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
