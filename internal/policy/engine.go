package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// clusterKeyLength はクラスタキーとして使う正規化テキスト接頭辞の長さ。
const clusterKeyLength = 128

// defaultMaxClusters はエンジンが保持するクラスタ数の上限。
// 上限を超えた場合は最も古いクラスタを破棄する。
const defaultMaxClusters = 4096

// emptyClusterKey は本文が空のアイテムが集まる共有クラスタのキー。
const emptyClusterKey = "(empty)"

// ClassifierService はコンテンツ分類のインターフェース。
type ClassifierService interface {
	// Classify はテキストを分類する。失敗時もローカルフォールバックで
	// 必ず結果を返す（エラーを返さない）。
	Classify(ctx context.Context, text string) model.Classification
}

// clusterMember はクラスタに属する1アイテムとそのスコアリング情報を表す。
type clusterMember struct {
	item       *model.ContentItem
	confidence float64
}

// cluster は正規化テキスト接頭辞を共有するアイテムの一時的なグループ。
// プロセス生存期間のみ保持され、永続化されない。
type cluster struct {
	members   []*clusterMember
	published bool
}

// Engine はアイテム・分類・ポリシー・現在時刻からルーティング動作を決定する。
// クラスタマップ以外の状態を持たず、いかなる入力でもエラーを返さない。
// クラスタマップは性能最適化のためのキャッシュであり、正しさの源泉ではない。
type Engine struct {
	classifier ClassifierService
	quiet      *QuietCalculator
	logger     *slog.Logger

	mu          sync.Mutex
	clusters    map[string]*cluster
	order       []string // 挿入順。上限超過時の破棄対象選択に使う
	maxClusters int
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(classifier ClassifierService, quiet *QuietCalculator, logger *slog.Logger) *Engine {
	return &Engine{
		classifier:  classifier,
		quiet:       quiet,
		logger:      logger,
		clusters:    make(map[string]*cluster),
		maxClusters: defaultMaxClusters,
	}
}

// Decide はアイテムに対するルーティング判定を行う。
// 判定順序: ハードドロップ → クラスタ割り当て → 分類 → クワイエットアワー →
// クラス別判定マトリクス。どの分岐にも該当しない場合はSEND_TO_MODに落ちる。
func (e *Engine) Decide(ctx context.Context, item *model.ContentItem, doc *Document, now time.Time) model.Decision {
	p := doc.Policy

	// 1. ハードドロップ判定。他のすべてのロジックより先に短絡する。
	if hasHardDropTag(item.Tags, p.HardDropTags) {
		return model.Decision{
			RecordID: item.RecordID,
			Action:   model.ActionReject,
		}
	}

	// 2. クラスタ割り当て
	key := clusterKey(item.BodyText())
	member := e.appendToCluster(key, item)

	// 3. 分類
	cls := e.classifier.Classify(ctx, item.BodyText())
	e.mu.Lock()
	member.confidence = cls.Confidence
	e.mu.Unlock()
	item.Moderation = &model.Moderation{Class: string(cls.Class)}

	// 4. クワイエットアワー
	classCfg := p.Expert
	if cls.Class == model.ClassNews {
		classCfg = p.News
	}
	inQuiet, silently := e.quiet.InWindow(now, classCfg.QuietHours)
	silent := silently && inQuiet

	decision := model.Decision{
		RecordID:  item.RecordID,
		ClusterID: key,
		Class:     cls.Class,
		EditorNotify: model.EditorNotify{
			Silent: silent,
		},
	}

	// 5. クラス別判定マトリクス
	auto := classCfg.AutoApprove
	forward := classCfg.ForwardToEditors

	if cls.Class == model.ClassNews {
		switch {
		case !auto && !forward:
			decision.Action = model.ActionSendToMod
		case !auto && forward:
			decision.Action = model.ActionSendToMod
			decision.EditorNotify.Send = true
			decision.EditorNotify.CardStatus = model.CardPendingReview
		case auto && !forward:
			if classCfg.DebounceWindowSec <= 0 {
				decision.Action = model.ActionAutoPublish
				decision.PublishPlan = e.buildPublishPlan(key, item, p.SourceWeights)
			} else {
				decision.Action = model.ActionDebounce
				decision.PublishPlan = &model.PublishPlan{When: "ts"}
			}
		case auto && forward:
			decision.Action = model.ActionDebounce
			decision.EditorNotify.Send = true
			decision.EditorNotify.CardStatus = model.CardAutoApproved
			if classCfg.UndoWindowSec > 0 {
				deadline := now.Add(time.Duration(classCfg.UndoWindowSec) * time.Second)
				decision.EditorNotify.UndoDeadline = &deadline
			}
		}
	} else {
		topic := matchTopic(item.Tags, classCfg.Topics)
		switch {
		case !auto && !forward:
			decision.Action = model.ActionSendToMod
		case !auto && forward:
			decision.Action = model.ActionSendToMod
			decision.EditorNotify.Send = true
			decision.EditorNotify.CardStatus = model.CardPendingReview
		case auto && !forward:
			decision.Action = model.ActionQueueDigest
			decision.DigestPlan = &model.DigestPlan{Topic: topic}
		case auto && forward:
			decision.Action = model.ActionQueueDigest
			decision.DigestPlan = &model.DigestPlan{Topic: topic}
			decision.EditorNotify.Send = true
			decision.EditorNotify.CardStatus = model.CardAutoQueued
		}
	}

	// 防御的デフォルト。上のマトリクスは全組み合わせを網羅しているが、
	// 未設定のActionで後段を壊さないための安全網。
	if decision.Action == "" {
		decision.Action = model.ActionSendToMod
	}

	item.Moderation.Action = decision.Action
	item.Moderation.AutoApproved = decision.Action == model.ActionAutoPublish ||
		decision.Action == model.ActionDebounce ||
		decision.Action == model.ActionQueueDigest

	return decision
}

// ClusterCount は現在保持しているクラスタ数を返す。テストおよびメトリクス用。
func (e *Engine) ClusterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clusters)
}

// appendToCluster はアイテムをクラスタに追加し、追加したメンバーを返す。
// クラスタが初見の場合は作成し、上限超過時は最古のクラスタを破棄する。
func (e *Engine) appendToCluster(key string, item *model.ContentItem) *clusterMember {
	e.mu.Lock()
	defer e.mu.Unlock()

	cl, ok := e.clusters[key]
	if !ok {
		cl = &cluster{}
		e.clusters[key] = cl
		e.order = append(e.order, key)

		if len(e.order) > e.maxClusters {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.clusters, oldest)
			e.logger.Debug("クラスタ上限超過のため最古のクラスタを破棄しました",
				slog.String("evicted_key", truncateForLog(oldest)),
			)
		}
	}

	member := &clusterMember{item: item}
	cl.members = append(cl.members, member)
	return member
}

// buildPublishPlan は即時公開の計画を構築する。
// クラスタ内で weight(source) * clamp(confidence, 0, 1) が最大のメンバーを
// プライマリとし、他メンバーのソースをマージ対象に加える。
func (e *Engine) buildPublishPlan(key string, incoming *model.ContentItem, weights map[string]float64) *model.PublishPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	cl := e.clusters[key]
	if cl == nil {
		// クラスタが破棄されていた場合は受信アイテム単独で公開する
		return &model.PublishPlan{When: "now", Channel: incoming.SourceID, Primary: incoming.RecordID}
	}
	cl.published = true

	var best *clusterMember
	bestScore := -1.0
	for _, m := range cl.members {
		score := sourceWeight(weights, m.item.SourceID) * clamp01(m.confidence)
		if score > bestScore {
			best, bestScore = m, score
		}
	}

	plan := &model.PublishPlan{
		When:    "now",
		Channel: best.item.SourceID,
		Primary: best.item.RecordID,
	}
	for _, m := range cl.members {
		if m != best {
			plan.MergeSources = append(plan.MergeSources, m.item.SourceName)
		}
	}
	return plan
}

// hasHardDropTag はタグ集合にハードドロップ対象が含まれるかを判定する。
func hasHardDropTag(tags, hardDrop []string) bool {
	if len(tags) == 0 || len(hardDrop) == 0 {
		return false
	}
	set := make(map[string]bool, len(hardDrop))
	for _, t := range hardDrop {
		set[strings.ToLower(t)] = true
	}
	for _, t := range tags {
		if set[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// matchTopic はアイテムのタグと設定済みトピックの最初の一致を返す。
// 一致がない場合は先頭の設定トピック、トピック未設定なら空文字。
func matchTopic(tags, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[strings.ToLower(t)] = true
	}
	for _, topic := range topics {
		if tagSet[strings.ToLower(topic)] {
			return topic
		}
	}
	return topics[0]
}

// clusterKey は本文から正規化クラスタキーを計算する。
// 小文字化し、連続する空白を1つに畳み、先頭128文字を切り出す。
// 空本文は共有の空クラスタに落ちる。
func clusterKey(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if normalized == "" {
		return emptyClusterKey
	}
	runes := []rune(normalized)
	if len(runes) > clusterKeyLength {
		runes = runes[:clusterKeyLength]
	}
	return string(runes)
}

// sourceWeight はソースの重みを引く。未定義ソースは"default"、それもなければ1.0。
func sourceWeight(weights map[string]float64, source string) float64 {
	if w, ok := weights[source]; ok {
		return w
	}
	if w, ok := weights["default"]; ok {
		return w
	}
	return 1.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncateForLog はログ出力用にクラスタキーを短縮する。
func truncateForLog(s string) string {
	const max = 32
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
