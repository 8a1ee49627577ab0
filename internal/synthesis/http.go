package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"VoiceForge/internal/audio"
	apperrors "VoiceForge/pkg/errors"
)

const apiSynthesize = "/v1/synthesize"

// HTTPSynthesizer calls the external voice engine that also trains models.
type HTTPSynthesizer struct {
	httpClient *http.Client
	baseURL    string
}

type synthesizeRequest struct {
	ProfileID   string  `json:"profile_id"`
	Text        string  `json:"text"`
	Preset      string  `json:"preset"`
	Speed       float64 `json:"speed"`
	ModelBase64 string  `json:"model_base64"`
}

type synthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
}

type engineError struct {
	Detail string `json:"detail"`
}

func NewHTTPSynthesizer(baseURL string, timeout time.Duration) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(synthesizeRequest{
		ProfileID:   req.ProfileID,
		Text:        req.Text,
		Preset:      string(req.Preset),
		Speed:       req.Speed,
		ModelBase64: base64.StdEncoding.EncodeToString(req.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSynthesize, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Synthesis engine unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		detail := strings.TrimSpace(string(raw))
		var e engineError
		if json.Unmarshal(raw, &e) == nil && e.Detail != "" {
			detail = e.Detail
		}
		cause := fmt.Errorf("engine returned %s: %s", resp.Status, detail)
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, apperrors.WrapKind(apperrors.KindValidation, cause, "Synthesis request rejected")
		}
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, cause, "Synthesis engine unavailable")
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Synthesis engine returned an invalid response")
	}
	wav, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil || len(wav) == 0 {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Synthesis engine returned no audio")
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Synthesis engine returned unreadable audio")
	}
	return &Audio{WAV: wav, SampleRate: clip.SampleRate, Duration: clip.Duration()}, nil
}
