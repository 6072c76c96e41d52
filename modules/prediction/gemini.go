package prediction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"quel-generation-server/modules/common/storage"
)

const maxRetriesPerKey = 3

// GenerateFunc - 이미지 한 장 생성 (bytes, mime type)
type GenerateFunc func(ctx context.Context, apiKey, model string, parts []genai.Part) ([]byte, string, error)

// GeminiProvider - 프로세스 내부에서 Gemini 로 생성하는 Provider
// Create 는 백그라운드 생성을 시작하고 바로 반환, 상태는 메모리에만 보관
type GeminiProvider struct {
	apiKeys    []string
	model      string
	generate   GenerateFunc
	uploader   storage.Uploader
	httpClient *http.Client
	jobs       *cache.Cache
	timeout    time.Duration
	retryWait  time.Duration
	log        *zap.Logger
	wg         sync.WaitGroup
}

func NewGeminiProvider(apiKeys []string, model string, uploader storage.Uploader, log *zap.Logger) *GeminiProvider {
	return &GeminiProvider{
		apiKeys:    apiKeys,
		model:      model,
		generate:   generateWithClient,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		jobs:       cache.New(2*time.Hour, 10*time.Minute),
		timeout:    5 * time.Minute,
		retryWait:  2 * time.Second,
		log:        log.Named("prediction.gemini"),
	}
}

func (g *GeminiProvider) Create(ctx context.Context, spec UnitSpec) (Prediction, error) {
	if len(g.apiKeys) == 0 {
		return Prediction{}, errors.New("no API keys provided")
	}

	id := "gem_" + uuid.NewString()
	pred := Prediction{ID: id, Status: "starting"}
	g.jobs.SetDefault(id, pred)

	g.wg.Add(1)
	go g.run(context.WithoutCancel(ctx), id, spec)

	return pred, nil
}

func (g *GeminiProvider) Get(_ context.Context, id string) (Prediction, error) {
	value, ok := g.jobs.Get(id)
	if !ok {
		return Prediction{}, fmt.Errorf("prediction %s not found", id)
	}
	return value.(Prediction), nil
}

// Wait - 진행 중인 생성이 모두 끝날 때까지 대기 (shutdown)
func (g *GeminiProvider) Wait() {
	g.wg.Wait()
}

func (g *GeminiProvider) run(base context.Context, id string, spec UnitSpec) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(base, g.timeout)
	defer cancel()

	g.jobs.SetDefault(id, Prediction{ID: id, Status: "processing"})

	output, err := g.produce(ctx, id, spec)
	if err != nil {
		g.log.Warn("❌ Gemini generation failed", zap.String("job", id), zap.Error(err))
		g.jobs.SetDefault(id, Prediction{ID: id, Status: "failed", Error: err.Error()})
		return
	}

	g.log.Info("✅ Gemini generation completed", zap.String("job", id))
	g.jobs.SetDefault(id, Prediction{ID: id, Status: "succeeded", Output: []string{output}})
}

func (g *GeminiProvider) produce(ctx context.Context, id string, spec UnitSpec) (string, error) {
	parts := make([]genai.Part, 0, len(spec.InputImages)+1)
	for _, url := range spec.InputImages {
		data, contentType, err := storage.Download(ctx, g.httpClient, url)
		if err != nil {
			return "", err
		}
		parts = append(parts, genai.ImageData(strings.TrimPrefix(contentType, "image/"), data))
	}
	parts = append(parts, genai.Text(buildPrompt(spec)))

	model := g.model
	if spec.Model != "" {
		model = spec.Model
	}

	data, mimeType, err := g.generateWithRetry(ctx, model, parts)
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("generations/%s/%s.%s", time.Now().UTC().Format("2006/01/02"), id, extensionFor(mimeType))
	return g.uploader.Upload(ctx, path, data, mimeType)
}

// generateWithRetry - 429 에러 시 같은 키로 최대 3번, 이후 다음 키로 재시도
func (g *GeminiProvider) generateWithRetry(ctx context.Context, model string, parts []genai.Part) ([]byte, string, error) {
	var lastErr error

	for keyIndex, apiKey := range g.apiKeys {
		for attempt := 1; attempt <= maxRetriesPerKey; attempt++ {
			data, mimeType, err := g.generate(ctx, apiKey, model, parts)
			if err == nil {
				return data, mimeType, nil
			}
			lastErr = err

			// 429 가 아니면 재시도하지 않음
			if !is429Error(err) {
				return nil, "", err
			}

			g.log.Warn("⚠️ Gemini rate limited",
				zap.Int("key", keyIndex+1), zap.Int("attempt", attempt), zap.Error(err))

			if attempt < maxRetriesPerKey {
				select {
				case <-ctx.Done():
					return nil, "", ctx.Err()
				case <-time.After(g.retryWait):
				}
			}
		}
	}

	return nil, "", fmt.Errorf("all %d API keys exhausted (%d attempts each), last error: %w",
		len(g.apiKeys), maxRetriesPerKey, lastErr)
}

func generateWithClient(ctx context.Context, apiKey, model string, parts []genai.Part) ([]byte, string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	resp, err := client.GenerativeModel(model).GenerateContent(ctx, parts...)
	if err != nil {
		return nil, "", err
	}

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
				return blob.Data, blob.MIMEType, nil
			}
		}
	}
	return nil, "", errors.New("no image in gemini response")
}

func buildPrompt(spec UnitSpec) string {
	var b strings.Builder
	b.WriteString(spec.Prompt)
	if spec.AspectRatio != "" {
		b.WriteString("\n\nAspect ratio: ")
		b.WriteString(spec.AspectRatio)
	}
	if spec.Resolution != "" {
		b.WriteString("\nResolution: ")
		b.WriteString(spec.Resolution)
	}
	return b.String()
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// is429Error - 429 Rate Limit 에러인지 확인
func is429Error(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota")
}
