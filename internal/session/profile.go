package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/auth"
	"github.com/lexiqai/listen-gateway/internal/vad"
)

// maxProfileBytes bounds an enrollment upload (about five minutes at 16 kHz).
const maxProfileBytes = 10 << 20

// ProfilePath is where a user's enrollment audio lives.
func ProfilePath(dir, uid string) (string, error) {
	if uid == "" || uid == "." || uid == ".." || strings.ContainsAny(uid, `/\`) {
		return "", fmt.Errorf("invalid uid %q", uid)
	}
	return filepath.Join(dir, uid+".wav"), nil
}

type profileResponse struct {
	UID     string  `json:"uid"`
	Seconds float64 `json:"seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSpeechProfile stores a 16 kHz mono WAV as the caller's enrollment
// audio with silence trimmed. Audio without speech is rejected with 422. It
// runs behind auth.Authenticator.Middleware.
func (h *Handler) HandleSpeechProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeHTTPJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	uid := auth.UIDFromContext(r.Context())
	if uid == "" {
		writeHTTPJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	path, err := ProfilePath(h.opts.ProfileDir, uid)
	if err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	logger := h.logger.With().Str("uid", uid).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProfileBytes))
	if err != nil {
		writeHTTPJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
		return
	}
	samples, rate, err := audio.DecodeWAV(body)
	if err != nil {
		writeHTTPJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := os.MkdirAll(h.opts.ProfileDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("Failed to create profile directory")
		writeHTTPJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}
	staging := path + ".upload"
	defer os.Remove(staging)
	if err := audio.WriteWAVFile(staging, samples, rate); err != nil {
		logger.Error().Err(err).Msg("Failed to store enrollment audio")
		writeHTTPJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}

	if err := h.deps.Trimmer.TrimSilence(r.Context(), staging); err != nil {
		if errors.Is(err, vad.ErrEmptyAudio) {
			logger.Info().Msg("Enrollment audio has no speech")
			writeHTTPJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "no speech detected"})
			return
		}
		logger.Error().Err(err).Msg("Failed to trim enrollment audio")
		writeHTTPJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		return
	}
	if err := os.Rename(staging, path); err != nil {
		logger.Error().Err(err).Msg("Failed to publish enrollment audio")
		writeHTTPJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
		return
	}

	trimmed, trimmedRate, err := audio.ReadWAVFile(path)
	if err != nil {
		writeHTTPJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		return
	}
	seconds := float64(len(trimmed)) / float64(trimmedRate)
	logger.Info().Float64("seconds", seconds).Msg("Speech profile stored")
	writeHTTPJSON(w, http.StatusOK, profileResponse{UID: uid, Seconds: seconds})
}

func writeHTTPJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
