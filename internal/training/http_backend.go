package training

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

	apperrors "VoiceForge/pkg/errors"
)

const (
	apiTrain  = "/v1/train"
	apiHealth = "/health"

	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// HTTPBackend calls an external trainer over HTTP.
type HTTPBackend struct {
	httpClient *http.Client
	baseURL    string
}

type trainSample struct {
	PromptIndex int    `json:"prompt_index"`
	AudioBase64 string `json:"audio_base64"`
}

type trainRequest struct {
	ProfileID string        `json:"profile_id"`
	Samples   []trainSample `json:"samples"`
}

type trainResponse struct {
	SimilarityScore float64 `json:"similarity_score"`
	ArtifactBase64  string  `json:"artifact_base64"`
	ContentType     string  `json:"content_type,omitempty"`
}

// trainerError is the trainer's structured error body.
type trainerError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPBackend) Train(ctx context.Context, profileID string, samples []Sample, progress ProgressFunc) (*Result, error) {
	req := trainRequest{ProfileID: profileID, Samples: make([]trainSample, 0, len(samples))}
	for _, s := range samples {
		req.Samples = append(req.Samples, trainSample{
			PromptIndex: s.PromptIndex,
			AudioBase64: base64.StdEncoding.EncodeToString(s.WAV),
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiTrain, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set(headerContentType, contentTypeJSON)

	if progress != nil {
		progress(0.1, fmt.Sprintf("Uploading %d samples to trainer", len(samples)))
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Training backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var out trainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.WrapKind(apperrors.KindTrainingFailure, err, "Training backend returned an invalid response")
	}
	artifact, err := base64.StdEncoding.DecodeString(out.ArtifactBase64)
	if err != nil || len(artifact) == 0 {
		return nil, apperrors.E(apperrors.KindTrainingFailure, "Training backend returned an empty voice model")
	}
	if out.ContentType == "" {
		out.ContentType = "application/octet-stream"
	}
	if progress != nil {
		progress(1, "Voice model received")
	}
	return &Result{Artifact: artifact, ContentType: out.ContentType, SimilarityScore: out.SimilarityScore}, nil
}

// HealthCheck 检查训练服务是否可用
func (c *HTTPBackend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "Training backend unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Ef(apperrors.KindInfrastructure, "Training backend unhealthy: %s", resp.Status)
	}
	return nil
}

// parseErrorResponse keeps the trainer's detail as the wrapped cause so it
// reaches the logs; the classified message is what clients see.
func (c *HTTPBackend) parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e trainerError
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Detail != "" {
		detail = e.Detail
		if e.ErrorCode != "" {
			detail += " (code: " + e.ErrorCode + ")"
		}
	}
	kind := apperrors.KindTrainingFailure
	msg := "Voice model training failed"
	if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != http.StatusInternalServerError {
		kind = apperrors.KindInfrastructure
		msg = "Training backend unavailable"
	}
	return apperrors.WrapKind(kind, fmt.Errorf("trainer returned %s: %s", resp.Status, detail), msg)
}
