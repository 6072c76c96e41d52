package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReplicateProvider - Replicate HTTP API (POST /predictions, GET /predictions/{id})
type ReplicateProvider struct {
	baseURL    string
	token      string
	version    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewReplicateProvider(baseURL, token, version string, log *zap.Logger) *ReplicateProvider {
	return &ReplicateProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		version: version,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log.Named("prediction.replicate"),
	}
}

type replicateCreateRequest struct {
	Version string         `json:"version,omitempty"`
	Input   replicateInput `json:"input"`
}

type replicateInput struct {
	Prompt       string   `json:"prompt"`
	ImageInput   []string `json:"image_input,omitempty"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  interface{}     `json:"error"`
}

// Create - 예측 생성, spec.Model 이 있으면 모델 엔드포인트 사용
func (p *ReplicateProvider) Create(ctx context.Context, spec UnitSpec) (Prediction, error) {
	reqData := replicateCreateRequest{
		Input: replicateInput{
			Prompt:       spec.Prompt,
			ImageInput:   spec.InputImages,
			AspectRatio:  spec.AspectRatio,
			Resolution:   spec.Resolution,
			OutputFormat: spec.OutputFormat,
		},
	}

	url := p.baseURL + "/predictions"
	if spec.Model != "" {
		url = fmt.Sprintf("%s/models/%s/predictions", p.baseURL, spec.Model)
	} else {
		reqData.Version = p.version
	}

	reqBody, err := json.Marshal(reqData)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result replicatePrediction
	if err := p.do(ctx, http.MethodPost, url, reqBody, &result); err != nil {
		return Prediction{}, err
	}

	p.log.Info("🚀 Prediction created", zap.String("job", result.ID), zap.String("status", result.Status))
	return result.toPrediction(), nil
}

// Get - 예측 상태 조회
func (p *ReplicateProvider) Get(ctx context.Context, id string) (Prediction, error) {
	var result replicatePrediction
	if err := p.do(ctx, http.MethodGet, p.baseURL+"/predictions/"+id, nil, &result); err != nil {
		return Prediction{}, err
	}
	return result.toPrediction(), nil
}

func (p *ReplicateProvider) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (r replicatePrediction) toPrediction() Prediction {
	pred := Prediction{
		ID:     r.ID,
		Status: r.Status,
		Output: parseOutput(r.Output),
	}
	if r.Error != nil {
		pred.Error = fmt.Sprint(r.Error)
	}
	return pred
}

// output 은 문자열 하나 또는 문자열 배열
func parseOutput(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
