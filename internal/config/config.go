package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// ポリシー文書（PolicyPath）のみ実行中に再読み込みされる。
type Config struct {
	// Data
	DataDir     string
	PendingDir  string
	ApprovedDir string

	// Policy
	PolicyPath           string
	PolicyReloadInterval time.Duration

	// Ingest
	DedupWindowSize  int
	GroupSettleDelay time.Duration
	AdKeywords       []string

	// Classifier
	ClassifierURL        string
	ClassifierTimeout    time.Duration
	ClassifierMaxTextLen int
	NewsLabels           []string
	ExpertLabels         []string
	HeuristicKeywords    []string
	HeuristicMinTextLen  int

	// Scheduler
	DebounceSeconds  int
	DailySlots       []string
	SlotPollInterval time.Duration

	// Digest
	DigestChannel       string
	SummarizerURL       string
	PublisherURL        string
	CollaboratorTimeout time.Duration
	BatchLimit          int
	SummaryLanguage     string
	TextTruncateLimit   int

	// Notify
	NotifyURL       string
	NotifyChannelID string
	NotifyTimeout   time.Duration
	NotifyPerSecond float64

	// Source (RSS)
	FeedURLs           []string
	FetchInterval      time.Duration
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int

	// Rate Limit
	RateLimitIngest int

	// Server
	ServerPort string
}

// defaultHeuristicKeywords はClassifierのローカルフォールバックで使用する
// ニュース判定キーワードの既定値。
var defaultHeuristicKeywords = []string{
	"news", "breaking", "urgent", "report:", "reported",
	"срочно", "новость", "источник", "заявил", "пресс-служба",
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		missing = append(missing, "DATA_DIR")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.PendingDir = filepath.Join(cfg.DataDir, "pending")
	cfg.ApprovedDir = filepath.Join(cfg.DataDir, "approved")

	// Optional fields with defaults
	cfg.PolicyPath = getEnvString("POLICY_CONFIG_PATH", filepath.Join(cfg.DataDir, "policy.yaml"))
	cfg.PolicyReloadInterval = getEnvDuration("POLICY_RELOAD_INTERVAL", 30*time.Second)

	cfg.DedupWindowSize = getEnvInt("DEDUP_WINDOW_SIZE", 1000)
	cfg.GroupSettleDelay = getEnvDuration("GROUP_SETTLE_DELAY", 2*time.Second)
	cfg.AdKeywords = getEnvList("AD_KEYWORDS")

	cfg.ClassifierURL = getEnvString("CLASSIFIER_URL", "")
	cfg.ClassifierTimeout = getEnvDuration("CLASSIFIER_TIMEOUT", 5*time.Second)
	cfg.ClassifierMaxTextLen = getEnvInt("CLASSIFIER_MAX_TEXT_LEN", 4000)
	cfg.NewsLabels = getEnvList("CLASSIFIER_NEWS_LABELS")
	cfg.ExpertLabels = getEnvList("CLASSIFIER_EXPERT_LABELS")
	cfg.HeuristicKeywords = getEnvList("CLASSIFIER_KEYWORDS")
	if len(cfg.HeuristicKeywords) == 0 {
		cfg.HeuristicKeywords = defaultHeuristicKeywords
	}
	cfg.HeuristicMinTextLen = getEnvInt("CLASSIFIER_MIN_TEXT_LEN", 50)

	cfg.DebounceSeconds = getEnvInt("DEBOUNCE_SECONDS", 60)
	cfg.DailySlots = getEnvList("DAILY_SLOTS")
	cfg.SlotPollInterval = getEnvDuration("SLOT_POLL_INTERVAL", 30*time.Second)

	cfg.DigestChannel = getEnvString("DIGEST_CHANNEL", "@digest")
	cfg.SummarizerURL = getEnvString("SUMMARIZER_URL", "")
	cfg.PublisherURL = getEnvString("PUBLISHER_URL", "")
	cfg.CollaboratorTimeout = getEnvDuration("COLLABORATOR_TIMEOUT", 30*time.Second)
	cfg.BatchLimit = getEnvInt("BATCH_LIMIT", 50)
	cfg.SummaryLanguage = getEnvString("SUMMARY_LANGUAGE", "ru")
	cfg.TextTruncateLimit = getEnvInt("TEXT_TRUNCATE_LIMIT", 4000)

	cfg.NotifyURL = getEnvString("NOTIFY_URL", "")
	cfg.NotifyChannelID = getEnvString("NOTIFY_CHANNEL_ID", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.NotifyPerSecond = getEnvFloat("NOTIFY_PER_SECOND", 1.0)

	cfg.FeedURLs = getEnvList("FEED_URLS")
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", 5*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)

	cfg.RateLimitIngest = getEnvInt("RATE_LIMIT_INGEST", 300)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして読み込む。
// 空要素は除去される。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
