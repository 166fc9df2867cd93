// Package pipeline は取り込みからルーティングまでの処理系を束ねる。
// IngestServiceが正規化したアイテムをポリシー判定へ渡し、
// 判定結果に応じてストア・デバウンサー・編集者通知へ振り分ける。
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/digestman/internal/ingest"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/policy"
)

// ModerationStore はパイプラインが必要とするストア操作。
type ModerationStore interface {
	EnqueuePending(item *model.ContentItem) error
	EnqueueApproved(item *model.ContentItem) error
}

// Decider はルーティング判定のインターフェース。
type Decider interface {
	Decide(ctx context.Context, item *model.ContentItem, doc *policy.Document, now time.Time) model.Decision
}

// PolicyProvider は現在有効なポリシー文書を返す。
type PolicyProvider interface {
	Snapshot() *policy.Document
}

// CardSender はモデレーションカードの送信インターフェース。
type CardSender interface {
	SendCard(ctx context.Context, item *model.ContentItem, ed model.EditorNotify) error
}

// BatchFlusher は承認済みレコードのバッチ公開インターフェース。
type BatchFlusher interface {
	FlushBatch(ctx context.Context, channel string) (int, error)
}

// DebounceScheduler はチャンネル単位の遅延発火インターフェース。
type DebounceScheduler interface {
	Schedule(key string, delay time.Duration)
}

// Pipeline は取り込み・判定・ルーティングを束ねる処理系。
type Pipeline struct {
	ingestor *ingest.Ingestor
	policies PolicyProvider
	decider  Decider
	store    ModerationStore
	debounce DebounceScheduler
	batcher  BatchFlusher
	notifier CardSender
	mc       metrics.MetricsCollector
	channel  string
	logger   *slog.Logger
}

// New はPipelineを生成する。
// 取り込み段（重複排除・アルバム集約・広告フィルタ）はここで組み立てられ、
// 通過したアイテムがそのままルーティングへ流れる。
func New(
	dedup *ingest.Deduper,
	sanitizer ingest.Sanitizer,
	adWords []string,
	settle time.Duration,
	policies PolicyProvider,
	decider Decider,
	store ModerationStore,
	debounce DebounceScheduler,
	batcher BatchFlusher,
	notifier CardSender,
	mc metrics.MetricsCollector,
	channel string,
	logger *slog.Logger,
) *Pipeline {
	p := &Pipeline{
		policies: policies,
		decider:  decider,
		store:    store,
		debounce: debounce,
		batcher:  batcher,
		notifier: notifier,
		mc:       mc,
		channel:  channel,
		logger:   logger,
	}
	p.ingestor = ingest.New(dedup, sanitizer, adWords, settle, p.route, mc.RecordDropped, logger)
	return p
}

// Submit は受信イベントを取り込み段へ渡す。
// ソースアダプタとHTTPハンドラの両方から呼ばれる。
func (p *Pipeline) Submit(raw *model.RawItem) {
	p.ingestor.Process(raw)
}

// Stop は滞留中のアルバムバッファをフラッシュする。シャットダウン用。
func (p *Pipeline) Stop() {
	p.ingestor.Stop()
}

// FlushChannel はチャンネルの承認済みレコードを即時公開する。
// デバウンサーの発火コールバックおよび定時スロットから呼ばれる。
func (p *Pipeline) FlushChannel(channel string) {
	start := time.Now()
	n, err := p.batcher.FlushBatch(context.Background(), channel)
	p.mc.RecordPublishLatency(time.Since(start))
	if err != nil {
		p.logger.Error("バッチフラッシュに失敗しました",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		p.mc.RecordPublished(n)
	}
}

// FlushDigest は既定のダイジェストチャンネルをフラッシュする。
func (p *Pipeline) FlushDigest() {
	p.FlushChannel(p.channel)
}

// route は取り込み段を通過したアイテムをポリシー判定に掛け、
// 結果に応じてストアと通知へ振り分ける。
func (p *Pipeline) route(item *model.ContentItem) {
	p.mc.RecordIngested()

	ctx := context.Background()
	doc := p.policies.Snapshot()
	decision := p.decider.Decide(ctx, item, doc, time.Now())

	p.mc.RecordDecision(string(decision.Action))
	if decision.Class != "" {
		p.mc.RecordClassified(string(decision.Class))
	}

	switch decision.Action {
	case model.ActionReject:
		p.logger.Info("ハードドロップによりアイテムを破棄しました",
			slog.String("record_id", item.RecordID),
			slog.String("source_name", item.SourceName),
		)
		return

	case model.ActionAutoPublish:
		if !p.enqueueApproved(item) {
			return
		}
		p.FlushChannel(p.channel)

	case model.ActionDebounce:
		if !p.enqueueApproved(item) {
			return
		}
		p.debounce.Schedule(p.channel, p.debounceWindow(doc, decision.Class))

	case model.ActionQueueDigest:
		// 定時スロットでまとめて公開されるため、ここでは承認キューに積むだけ
		if !p.enqueueApproved(item) {
			return
		}

	case model.ActionSendToMod:
		if err := p.store.EnqueuePending(item); err != nil {
			p.logger.Error("モデレーションキューへの書き込みに失敗しました",
				slog.String("record_id", item.RecordID),
				slog.String("error", err.Error()),
			)
			p.mc.RecordStoreOp("enqueue_pending_failed")
			return
		}
		p.mc.RecordStoreOp("enqueue_pending")
	}

	if decision.EditorNotify.Send {
		if err := p.notifier.SendCard(ctx, item, decision.EditorNotify); err != nil {
			// カード送達はベストエフォート。レコードは既に永続化済み。
			p.logger.Error("モデレーションカードの送信に失敗しました",
				slog.String("record_id", item.RecordID),
				slog.String("error", err.Error()),
			)
			return
		}
		p.mc.RecordCardSent()
	}
}

func (p *Pipeline) enqueueApproved(item *model.ContentItem) bool {
	if err := p.store.EnqueueApproved(item); err != nil {
		p.logger.Error("承認キューへの書き込みに失敗しました",
			slog.String("record_id", item.RecordID),
			slog.String("error", err.Error()),
		)
		p.mc.RecordStoreOp("enqueue_approved_failed")
		return false
	}
	p.mc.RecordStoreOp("enqueue_approved")
	return true
}

// debounceWindow はクラスに応じたデバウンス幅を返す。
func (p *Pipeline) debounceWindow(doc *policy.Document, class model.Class) time.Duration {
	cfg := doc.Policy.Expert
	if class == model.ClassNews {
		cfg = doc.Policy.News
	}
	if cfg.DebounceWindowSec <= 0 {
		return time.Second
	}
	return time.Duration(cfg.DebounceWindowSec) * time.Second
}
