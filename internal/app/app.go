// Package app はアプリケーションの初期化・依存関係のワイヤリング・起動を行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/digestman/internal/classify"
	"github.com/hitoshi/digestman/internal/config"
	"github.com/hitoshi/digestman/internal/digest"
	"github.com/hitoshi/digestman/internal/handler"
	"github.com/hitoshi/digestman/internal/ingest"
	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/notify"
	"github.com/hitoshi/digestman/internal/pipeline"
	"github.com/hitoshi/digestman/internal/policy"
	"github.com/hitoshi/digestman/internal/scheduler"
	"github.com/hitoshi/digestman/internal/security"
	"github.com/hitoshi/digestman/internal/source"
	"github.com/hitoshi/digestman/internal/store"
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルの読み込み（存在しない場合は環境変数のみ使用）
	if err := godotenv.Load(); err == nil {
		slog.Info(".envファイルを読み込みました")
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("data_dir", cfg.DataDir),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	default:
		return runServe(cfg)
	}
}

// service はワイヤリング済みの全コンポーネントを保持する。
type service struct {
	cfg       *config.Config
	store     *store.Store
	policies  *policy.Loader
	pipeline  *pipeline.Pipeline
	debouncer *scheduler.Debouncer
	daily     *scheduler.DailySlots
	sources   *source.Manager
	limiter   *middleware.RateLimiter
	router    http.Handler
}

// newService は全依存関係をワイヤリングする。
func newService(cfg *config.Config) (*service, error) {
	log := slog.Default()

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. モデレーションストア
	st, err := store.New(cfg.PendingDir, cfg.ApprovedDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open moderation store: %w", err)
	}

	// 3. ポリシー
	policyLoader := policy.NewLoader(cfg.PolicyPath, log)
	policyLoader.SeedDebounce(cfg.DebounceSeconds)
	quiet := policy.NewQuietCalculator(log)

	// 4. 分類器（リモート + ローカルフォールバック）
	heuristic := classify.NewHeuristic(cfg.HeuristicKeywords, cfg.HeuristicMinTextLen)
	classifier := classify.New(cfg.ClassifierURL, cfg.ClassifierTimeout, cfg.ClassifierMaxTextLen, cfg.NewsLabels, cfg.ExpertLabels, heuristic, log)
	engine := policy.NewEngine(classifier, quiet, log)

	// 5. ダイジェスト公開
	summarizer := digest.NewSummarizerClient(cfg.SummarizerURL, cfg.CollaboratorTimeout, log)
	publisher := digest.NewPublisherClient(cfg.PublisherURL, cfg.CollaboratorTimeout, log)
	batcher := digest.NewBatcher(st, summarizer, publisher, cfg.BatchLimit, cfg.SummaryLanguage, cfg.TextTruncateLimit, log)

	// 6. 編集者通知
	notifier := notify.New(cfg.NotifyURL, cfg.NotifyChannelID, cfg.NotifyTimeout, cfg.NotifyPerSecond, log)

	// 7. 取り込みパイプライン
	// デバウンサーのflushはパイプラインを参照するため、代入前の変数をクロージャで束縛する
	dedup, err := ingest.NewDeduper(cfg.DedupWindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build dedup window: %w", err)
	}
	sanitizer := security.NewContentSanitizer()

	var pl *pipeline.Pipeline
	debouncer := scheduler.NewDebouncer(func(key string) {
		pl.FlushChannel(key)
	}, log)

	pl = pipeline.New(
		dedup, sanitizer, cfg.AdKeywords, cfg.GroupSettleDelay,
		policyLoader, engine, st, debouncer, batcher, notifier,
		collector, cfg.DigestChannel, log,
	)

	// 8. デイリー公開スロット
	daily, err := scheduler.NewDailySlots(cfg.DailySlots, cfg.SlotPollInterval, func(slot string) {
		log.Info("デイリースロットによるダイジェスト公開を実行します", slog.String("slot", slot))
		pl.FlushDigest()
	}, log)
	if err != nil {
		return nil, fmt.Errorf("invalid DAILY_SLOTS: %w", err)
	}

	// 9. フィード購読
	guard := security.NewSSRFGuard()
	manager := source.NewManager(guard, pl.Submit, log, cfg.FetchTimeout, cfg.FetchMaxSize, cfg.FetchMaxConcurrent)
	for _, feedURL := range cfg.FeedURLs {
		if _, err := manager.Join(feedURL); err != nil {
			log.Warn("フィードURLの購読に失敗しました",
				slog.String("url", feedURL),
				slog.String("error", err.Error()),
			)
		}
	}

	// 10. レートリミッターとルーター
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitIngest > 0 {
		// 環境変数はreq/min単位
		rlCfg.IngestRate = rate.Limit(float64(cfg.RateLimitIngest) / 60.0)
		rlCfg.IngestBurst = cfg.RateLimitIngest
	}
	limiter := middleware.NewRateLimiter(rlCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		RateLimiter:   limiter,
		Logger:        log,
		Pipeline:      pl,
		Store:         st,
		Queue:         st,
		Scheduler:     debouncer,
		PolicyStore:   policyLoader,
		Policies:      policyLoader,
		Sources:       manager,
		Gatherer:      registry,
		DigestChannel: cfg.DigestChannel,
	})

	return &service{
		cfg:       cfg,
		store:     st,
		policies:  policyLoader,
		pipeline:  pl,
		debouncer: debouncer,
		daily:     daily,
		sources:   manager,
		limiter:   limiter,
		router:    router,
	}, nil
}

// startBackground はポーリング系のバックグラウンドループを起動する。
func (s *service) startBackground(ctx context.Context) {
	go s.policies.Start(ctx, s.cfg.PolicyReloadInterval)
	go s.sources.Start(ctx, s.cfg.FetchInterval)
	go s.daily.Start(ctx)
}

// shutdown は未確定のタイマーとバッファを畳む。
// デバウンサーの停止で未発火の公開タイマーは破棄されるが、
// 承認済みレコードはファイルとして残るため次回起動時に公開される。
func (s *service) shutdown() {
	s.debouncer.Stop()
	s.pipeline.Stop()
	s.limiter.Stop()
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、バックグラウンドループとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.startBackground(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      svc.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("digest_channel", cfg.DigestChannel),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancel()
	svc.shutdown()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はHTTP APIなしのワーカーモードで起動する。
// フィードポーラーをメインgoroutineで実行し、デイリースロットと
// ポリシー再読み込みをバックグラウンドで回す。
func runWorker(cfg *config.Config) error {
	svc, err := newService(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.Int("feed_count", len(cfg.FeedURLs)),
	)

	go svc.policies.Start(ctx, cfg.PolicyReloadInterval)
	go svc.daily.Start(ctx)

	// フィードポーラーをメインgoroutineで実行（ブロッキング）
	svc.sources.Start(ctx, cfg.FetchInterval)

	svc.shutdown()
	slog.Info("worker stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
