package digest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SummarizerClient は外部要約サービスのHTTPアダプタ。
// URLが未設定の場合は外部呼び出しを行わず、ローカル整形で代替する。
type SummarizerClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewSummarizerClient はSummarizerClientを生成する。
func NewSummarizerClient(url string, timeout time.Duration, logger *slog.Logger) *SummarizerClient {
	return &SummarizerClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type summarizeRequest struct {
	Items    []BatchItem `json:"items"`
	Language string      `json:"language"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize はバッチをダイジェスト本文へ整形する。
// 要約サービスの失敗はエラーとして返し、呼び出し元がフラッシュを中断できるようにする。
func (c *SummarizerClient) Summarize(ctx context.Context, items []BatchItem, language string) (string, error) {
	if c.url == "" {
		return formatPlainDigest(items), nil
	}

	body, err := json.Marshal(summarizeRequest{Items: items, Language: language})
	if err != nil {
		return "", fmt.Errorf("要約リクエストのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("要約リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("要約サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("要約サービスが異常応答: status=%d", resp.StatusCode)
	}

	var parsed summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("要約応答のパースに失敗: %w", err)
	}
	return parsed.Summary, nil
}

// formatPlainDigest は要約サービスなしで使う素朴なダイジェスト整形。
// 番号付きの見出しとリンクを並べるだけの形式。
func formatPlainDigest(items []BatchItem) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s", i+1, item.Title)
		if item.Source != "" {
			fmt.Fprintf(&b, " — %s", item.Source)
		}
		if item.URL != "" {
			fmt.Fprintf(&b, "\n%s", item.URL)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// PublisherClient は配信サービスのHTTPアダプタ。
type PublisherClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewPublisherClient はPublisherClientを生成する。
func NewPublisherClient(url string, timeout time.Duration, logger *slog.Logger) *PublisherClient {
	return &PublisherClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type publishRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Publish はダイジェスト本文をチャンネルへ配信する。
// URLが未設定の場合はエラーを返す。レコードはAPPROVEDに残るため
// 設定が整った後のフラッシュで再公開できる。
func (c *PublisherClient) Publish(ctx context.Context, channel, text string) error {
	if c.url == "" {
		return fmt.Errorf("配信サービスのURLが未設定です")
	}

	body, err := json.Marshal(publishRequest{Channel: channel, Text: text})
	if err != nil {
		return fmt.Errorf("配信リクエストのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("配信リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("配信サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("配信サービスが異常応答: status=%d", resp.StatusCode)
	}

	c.logger.Info("ダイジェストを配信しました",
		slog.String("channel", channel),
		slog.Int("length", len(text)),
	)
	return nil
}
