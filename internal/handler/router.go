// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// 受信パイプライン
	Pipeline IngestPipeline

	// モデレーションキュー
	Store ModerationStoreInterface
	Queue QueueInspector

	// 公開タイマー
	Scheduler DigestScheduler

	// ポリシー
	PolicyStore PolicyStoreInterface
	Policies    PolicySnapshotProvider

	// 購読ソース
	Sources SourceManagerInterface

	// メトリクス
	Gatherer prometheus.Gatherer

	// ダイジェスト公開先チャンネル
	DigestChannel string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// 受信エンドポイント（/api/items）はソースアダプタからの高頻度呼び出しを想定し、
// 一般レートとは別枠のIngestMiddlewareを追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	ingestHandler := NewIngestHandler(deps.Pipeline)
	modHandler := NewModerationHandler(deps.Store, deps.Scheduler, deps.Policies, deps.DigestChannel, deps.Logger)
	schedHandler := NewSchedulerHandler(deps.Scheduler, deps.Policies, deps.DigestChannel)
	policyHandler := NewPolicyHandler(deps.PolicyStore, deps.Logger)
	sourceHandler := NewSourceHandler(deps.Sources)
	healthHandler := NewHealthHandler(deps.Queue, deps.Scheduler, deps.DigestChannel)

	// --- 監視系ルート（レート制限の外） ---

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- APIルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api", func(r chi.Router) {
			// 受信
			r.With(deps.RateLimiter.IngestMiddleware()).Post("/items", ingestHandler.Submit)

			// モデレーション
			r.Route("/moderation/{record_id}", func(r chi.Router) {
				r.Post("/approve", modHandler.Approve)
				r.Post("/reject", modHandler.Reject)
			})

			// 公開タイマー
			r.Route("/scheduler", func(r chi.Router) {
				r.Post("/publish_soon", schedHandler.PublishSoon)
				r.Post("/flush", schedHandler.Flush)
			})

			// ポリシー
			r.Route("/policy", func(r chi.Router) {
				r.Get("/", policyHandler.Get)
				r.Put("/", policyHandler.Update)
			})

			// 購読ソース
			r.Route("/sources", func(r chi.Router) {
				r.Get("/", sourceHandler.List)
				r.Post("/", sourceHandler.Join)
				r.Delete("/{id}", sourceHandler.Leave)
			})
		})
	})

	return r
}
