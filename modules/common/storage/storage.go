package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// 입력 이미지 최대 크기
const maxDownloadBytes = 20 << 20

// Uploader - 생성 결과 업로드 후 공개 URL 반환
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Client - Supabase Storage 클라이언트
type Client struct {
	storage    *storage_go.Client
	bucket     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient - Storage 클라이언트 생성
func NewClient(sb *supabase.Client, bucket string, log *zap.Logger) *Client {
	return &Client{
		storage:    sb.Storage,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log.Named("storage"),
	}
}

// Upload - bucket/path 에 업로드 (같은 경로는 덮어씀)
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	upsert := true
	_, err := c.storage.UploadFile(c.bucket, path, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	publicURL := c.storage.GetPublicUrl(c.bucket, path).SignedURL
	c.log.Info("📤 Uploaded output", zap.String("path", path), zap.Int("bytes", len(data)))
	return publicURL, nil
}

// Download - URL 에서 이미지 다운로드, (bytes, content-type)
func Download(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("image %s exceeds %d bytes", url, maxDownloadBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
