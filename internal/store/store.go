// Package store はファイルベースのモデレーションストアを提供する。
// PENDINGとAPPROVEDの2つのディレクトリを持ち、レコードIDをファイル名とする
// 自己完結したJSONドキュメントとして各レコードを永続化する。
// 状態遷移はすべてrename/removeで行い、読み書きの合成による
// 中間状態が観測されないことを保証する。
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/digestman/internal/model"
)

const recordExt = ".json"

// invalidNameChars はファイル名として使用できない文字。
// Unicode（キリル文字を含む）は許可し、Windows/Unixの禁止文字のみ置換する。
var invalidNameChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// Store はファイルベースのモデレーションストア。
type Store struct {
	pendingDir  string
	approvedDir string
	logger      *slog.Logger
}

// New はStoreを生成し、pending/approvedディレクトリを作成する。
func New(pendingDir, approvedDir string, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{pendingDir, approvedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ストアディレクトリの作成に失敗: %w", err)
		}
	}
	return &Store{
		pendingDir:  pendingDir,
		approvedDir: approvedDir,
		logger:      logger,
	}, nil
}

// NewRecordID はレコードIDを生成する。
// 形式は {unix秒}_{サニタイズ済みソース名}_{メッセージID}。
// レコードIDはそのままストアのファイル名（拡張子を除く）として使われる。
func NewRecordID(ts time.Time, sourceName, messageID string) string {
	return fmt.Sprintf("%d_%s_%s", ts.Unix(), sanitizeName(sourceName), sanitizeName(messageID))
}

// sanitizeName はファイル名に使えない文字を置換し、長さを制限する。
func sanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	name = strings.Join(strings.Fields(name), " ")

	var b strings.Builder
	for _, r := range name {
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	name = strings.TrimSpace(b.String())

	if runes := []rune(name); len(runes) > 80 {
		name = string(runes[:80])
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// EnqueuePending はアイテムをPENDINGキューへ書き込む。
// 一時ファイルへ書いてからリネームすることで部分書き込みを防ぐ。
// 書き込み失敗時はPersistenceErrorを返し、呼び出し元は
// 「アイテムは永続化されていない」として扱う。
func (s *Store) EnqueuePending(item *model.ContentItem) error {
	item.Status = model.StatusPending
	if err := s.writeRecord(s.pendingDir, item); err != nil {
		return model.NewPersistenceError("enqueue_pending", err)
	}
	return nil
}

// EnqueueApproved はアイテムをAPPROVEDキューへ直接書き込む。
// ポリシーエンジンが自動承認したアイテムのみがPENDINGを経由せずにここへ入る。
func (s *Store) EnqueueApproved(item *model.ContentItem) error {
	item.Status = model.StatusApproved
	if err := s.writeRecord(s.approvedDir, item); err != nil {
		return model.NewPersistenceError("enqueue_approved", err)
	}
	return nil
}

// Approve はレコードをPENDINGからAPPROVEDへアトミックに移動する。
// レコードがPENDINGに存在しない場合は(false, nil)を返す。
// これは二重クリックや処理済みの再操作に対応する正常系であり、エラーではない。
func (s *Store) Approve(recordID string) (bool, error) {
	src := filepath.Join(s.pendingDir, recordID+recordExt)
	dst := filepath.Join(s.approvedDir, recordID+recordExt)

	// 存在確認とリネームを分けると同一レコードへの並行approveで
	// 後着側が偽のエラーになるため、リネーム1回で判定する
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("approve対象のレコードが見つかりません",
				slog.String("record_id", recordID),
			)
			return false, nil
		}
		return false, model.NewPersistenceError("approve", err)
	}

	s.logger.Info("レコードを承認しました",
		slog.String("record_id", recordID),
	)
	return true, nil
}

// Reject はレコードをPENDINGまたはAPPROVED（取り消し経路）から削除する。
// どちらにも存在しない場合は(false, nil)を返す。
func (s *Store) Reject(recordID string) (bool, error) {
	for _, dir := range []string{s.pendingDir, s.approvedDir} {
		path := filepath.Join(dir, recordID+recordExt)
		err := os.Remove(path)
		if err == nil {
			s.logger.Info("レコードを却下しました",
				slog.String("record_id", recordID),
			)
			return true, nil
		}
		if !os.IsNotExist(err) {
			return false, model.NewPersistenceError("reject", err)
		}
	}

	s.logger.Warn("reject対象のレコードが見つかりません",
		slog.String("record_id", recordID),
	)
	return false, nil
}

// ListApproved はAPPROVEDレコードを作成順（ファイル名昇順＝古い順）で
// 最大limit件返す。limitが0以下の場合は全件。
// 読めないレコードはログに記録してスキップする。
func (s *Store) ListApproved(limit int) ([]*model.ContentItem, error) {
	entries, err := os.ReadDir(s.approvedDir)
	if err != nil {
		return nil, model.NewPersistenceError("list_approved", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), recordExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	items := make([]*model.ContentItem, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.approvedDir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Error("承認済みレコードの読み込みに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		var item model.ContentItem
		if err := json.Unmarshal(raw, &item); err != nil {
			s.logger.Error("承認済みレコードのパースに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Remove は公開済みのAPPROVEDレコードを削除し、削除できた件数を返す。
// 個々の削除失敗はログに記録して継続する。削除されなかったレコードは
// 次のバッチで再び現れるが、コンテンツを失わないことを優先するトレードオフ。
func (s *Store) Remove(recordIDs []string) int {
	removed := 0
	for _, id := range recordIDs {
		path := filepath.Join(s.approvedDir, id+recordExt)
		if err := os.Remove(path); err != nil {
			s.logger.Error("公開済みレコードの削除に失敗しました",
				slog.String("record_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	s.logger.Info("公開済みレコードを削除しました",
		slog.Int("removed", removed),
		slog.Int("requested", len(recordIDs)),
	)
	return removed
}

// CountPending はPENDINGレコード数を返す。ヘルスチェックおよびメトリクス用。
func (s *Store) CountPending() int {
	return s.countRecords(s.pendingDir)
}

// CountApproved はAPPROVEDレコード数を返す。ヘルスチェックおよびメトリクス用。
func (s *Store) CountApproved() int {
	return s.countRecords(s.approvedDir)
}

// Dirs はpending/approvedディレクトリのパスを返す。ヘルスチェック用。
func (s *Store) Dirs() (pending, approved string) {
	return s.pendingDir, s.approvedDir
}

func (s *Store) countRecords(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), recordExt) {
			n++
		}
	}
	return n
}

// writeRecord はレコードを一時ファイル経由でアトミックに書き込む。
func (s *Store) writeRecord(dir string, item *model.ContentItem) error {
	raw, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("レコードのシリアライズに失敗: %w", err)
	}

	final := filepath.Join(dir, item.RecordID+recordExt)
	tmp := filepath.Join(dir, "."+item.RecordID+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("レコード一時ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("レコードファイルの配置に失敗: %w", err)
	}
	return nil
}
