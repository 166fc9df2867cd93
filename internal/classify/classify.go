// Package classify はコンテンツの粗分類を実装する。
// リモート分類サービスへの問い合わせを第一とし、
// 失敗時はヒューリスティックへフォールバックする。
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// Classifier はリモート分類サービスのHTTPアダプタ。
// サービスが未設定・応答不能のいずれでもパイプラインを止めず、
// 常に何らかのClassificationを返す。
type Classifier struct {
	url          string
	client       *http.Client
	maxTextLen   int
	newsLabels   map[string]struct{}
	expertLabels map[string]struct{}
	heuristic    *Heuristic
	logger       *slog.Logger
}

// New はClassifierを生成する。urlが空の場合は常にヒューリスティックを使う。
// newsLabels/expertLabelsは分類サービスが返しうるラベルの同義語集合で、
// 空の場合は組み込みデフォルトを使用する。
func New(url string, timeout time.Duration, maxTextLen int, newsLabels, expertLabels []string, heuristic *Heuristic, logger *slog.Logger) *Classifier {
	if len(newsLabels) == 0 {
		newsLabels = defaultNewsLabels
	}
	if len(expertLabels) == 0 {
		expertLabels = defaultExpertLabels
	}
	return &Classifier{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		maxTextLen:   maxTextLen,
		newsLabels:   labelSet(newsLabels),
		expertLabels: labelSet(expertLabels),
		heuristic:    heuristic,
		logger:       logger,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Class      string  `json:"class"`
	Topic      string  `json:"topic"`
	Confidence float64 `json:"confidence"`
}

// Classify はテキストを分類する。リモート呼び出しの失敗時のみ
// ヒューリスティックで補う。未知のクラスラベルは応答としては正常なので、
// フォールバックせず汎用バケット（EXPERT）に解決する。
func (c *Classifier) Classify(ctx context.Context, text string) model.Classification {
	if c.url == "" {
		return c.heuristic.Classify(text)
	}

	resp, err := c.callRemote(ctx, truncateRunes(text, c.maxTextLen))
	if err != nil {
		c.logger.Warn("リモート分類に失敗したためヒューリスティックを使用します",
			slog.String("error", err.Error()),
		)
		return c.heuristic.Classify(text)
	}

	class, ok := c.normalizeClass(resp.Class)
	if !ok {
		c.logger.Warn("未知の分類ラベルを汎用バケットに解決します",
			slog.String("class", resp.Class),
		)
		class = model.ClassExpert
	}

	return model.Classification{
		Class:      class,
		Topic:      resp.Topic,
		Confidence: resp.Confidence,
	}
}

func (c *Classifier) callRemote(ctx context.Context, text string) (*classifyResponse, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("リクエストのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("分類サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("分類サービスが異常応答: status=%d", resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("応答のパースに失敗: %w", err)
	}
	return &parsed, nil
}

// defaultNewsLabels / defaultExpertLabels は同義語集合の組み込み既定値。
var (
	defaultNewsLabels   = []string{"NEWS", "BREAKING", "REPORT"}
	defaultExpertLabels = []string{"EXPERT", "OPINION", "ANALYSIS", "ANALYTICS"}
)

func labelSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		set[strings.ToUpper(strings.TrimSpace(label))] = struct{}{}
	}
	return set
}

func (c *Classifier) normalizeClass(label string) (model.Class, bool) {
	upper := strings.ToUpper(strings.TrimSpace(label))
	if upper == "" {
		return "", false
	}
	if _, ok := c.newsLabels[upper]; ok {
		return model.ClassNews, true
	}
	if _, ok := c.expertLabels[upper]; ok {
		return model.ClassExpert, true
	}
	return "", false
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
