package audio

import (
	"bytes"
	"testing"
)

func TestBytesToSamples(t *testing.T) {
	samples := BytesToSamples([]byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0x01})

	expected := []int16{0, 32767, -32768}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}
}

func TestSamplesToBytes(t *testing.T) {
	got := SamplesToBytes([]int16{0, 32767, -32768})
	expected := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	if !bytes.Equal(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name    string
		in, out int
		n, want int
	}{
		{"same rate", 16000, 16000, 160, 160},
		{"upsample 8k->16k", 8000, 16000, 160, 320},
		{"downsample 48k->16k", 48000, 16000, 480, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resample(make([]int16, tt.n), tt.in, tt.out)
			if len(got) != tt.want {
				t.Errorf("Expected %d samples, got %d", tt.want, len(got))
			}
		})
	}
}

func TestDecodeMulaw(t *testing.T) {
	pcm, err := DecodeMulaw([]byte{0xFF, 0x7F, 0x00, 0x80})
	if err != nil {
		t.Fatalf("DecodeMulaw failed: %v", err)
	}
	samples := BytesToSamples(pcm)

	// 0xFF and 0x7F are the two encodings of zero.
	if samples[0] != 0 || samples[1] != 0 {
		t.Errorf("Expected zeros for 0xFF/0x7F, got %d %d", samples[0], samples[1])
	}
	if samples[2] != -8031 || samples[3] != 8031 {
		t.Errorf("Expected -8031/8031 for 0x00/0x80, got %d %d", samples[2], samples[3])
	}

	if _, err := DecodeMulaw(nil); err == nil {
		t.Error("Expected error for empty frame")
	}
}

func TestDownmix(t *testing.T) {
	got := Downmix([]int16{100, 300, -50, 50}, 2)
	if len(got) != 2 || got[0] != 200 || got[1] != 0 {
		t.Errorf("Expected [200 0], got %v", got)
	}
}

func TestCalculateRMS(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("Expected 0 for empty samples, got %f", rms)
	}
	if rms := CalculateRMS([]int16{3, -3, 3, -3}); rms != 3 {
		t.Errorf("Expected RMS 3, got %f", rms)
	}
}

func TestDurationSeconds(t *testing.T) {
	if d := DurationSeconds(32000, 16000, 1); d != 1.0 {
		t.Errorf("Expected 1s, got %f", d)
	}
	if d := DurationSeconds(100, 0, 1); d != 0 {
		t.Errorf("Expected 0 for invalid rate, got %f", d)
	}
}
