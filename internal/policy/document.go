// Package policy はルーティング判定のポリシー文書と判定エンジンを提供する。
// ポリシー文書はYAMLファイルとして永続化され、一定間隔で再読み込みされる。
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// QuietHours はクラスごとのクワイエットアワー設定を表す。
type QuietHours struct {
	Enabled        bool   `yaml:"enabled"`
	Start          string `yaml:"start"`
	End            string `yaml:"end"`
	NotifySilently *bool  `yaml:"notify_silently"`
}

// Silently はサイレント通知設定を返す。未指定の場合はtrue。
func (q QuietHours) Silently() bool {
	if q.NotifySilently == nil {
		return true
	}
	return *q.NotifySilently
}

// ClassPolicy はクラス（news/expert）ごとのルーティング設定を表す。
type ClassPolicy struct {
	AutoApprove       bool       `yaml:"autoapprove"`
	ForwardToEditors  bool       `yaml:"forward_to_editors"`
	DebounceWindowSec int        `yaml:"debounce_window_sec"`
	UndoWindowSec     int        `yaml:"undo_window_sec"`
	Topics            []string   `yaml:"topics"`
	QuietHours        QuietHours `yaml:"quiet_hours"`
}

// Policy はルーティング判定の全設定を表す。
type Policy struct {
	HardDropTags  []string           `yaml:"hard_drop_tags"`
	SourceWeights map[string]float64 `yaml:"source_weights"`
	News          ClassPolicy        `yaml:"news"`
	Expert        ClassPolicy        `yaml:"expert"`
}

// Document はバージョン付きポリシー文書を表す。
// ファイル全体がこの形でYAMLとして永続化される。
type Document struct {
	Version int    `yaml:"version"`
	Policy  Policy `yaml:"policy"`
}

// Validate は文書の整合性を検証する。
// 不正な場合は最初に見つかった問題を表すエラーを返す。
func (d *Document) Validate() error {
	if d.Version < 1 {
		return fmt.Errorf("versionは1以上が必要です: %d", d.Version)
	}
	if err := d.Policy.News.validate("news"); err != nil {
		return err
	}
	if err := d.Policy.Expert.validate("expert"); err != nil {
		return err
	}
	for source, weight := range d.Policy.SourceWeights {
		if weight < 0 {
			return fmt.Errorf("source_weights.%sが負の値です: %g", source, weight)
		}
	}
	return nil
}

// validate はクラス別設定を検証する。
func (c ClassPolicy) validate(name string) error {
	if c.DebounceWindowSec < 0 {
		return fmt.Errorf("%s.debounce_window_secが負の値です: %d", name, c.DebounceWindowSec)
	}
	if c.UndoWindowSec < 0 {
		return fmt.Errorf("%s.undo_window_secが負の値です: %d", name, c.UndoWindowSec)
	}
	if c.QuietHours.Enabled {
		if _, ok := parseMinuteOfDay(c.QuietHours.Start); !ok {
			return fmt.Errorf("%s.quiet_hours.startがHH:MM形式ではありません: %q", name, c.QuietHours.Start)
		}
		if _, ok := parseMinuteOfDay(c.QuietHours.End); !ok {
			return fmt.Errorf("%s.quiet_hours.endがHH:MM形式ではありません: %q", name, c.QuietHours.End)
		}
	}
	return nil
}

// DefaultDocument は組み込みのデフォルトポリシーを返す。
// ポリシーファイルが存在しない、または一度も正常に読めていない場合に使用される。
func DefaultDocument() *Document {
	return &Document{
		Version: 1,
		Policy: Policy{
			SourceWeights: map[string]float64{"default": 1.0},
			News: ClassPolicy{
				DebounceWindowSec: 60,
				UndoWindowSec:     300,
			},
			Expert: ClassPolicy{},
		},
	}
}

// Loader はポリシー文書のスナップショットを保持し、
// 一定間隔でファイルから再読み込みする。
// パース不能な場合は最後に正常だったスナップショットを維持する。
type Loader struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot *Document
	fromFile bool
}

// NewLoader はLoaderを生成し、初回読み込みを行う。
// 初回読み込みに失敗した場合は組み込みデフォルトで開始する。
func NewLoader(path string, logger *slog.Logger) *Loader {
	l := &Loader{
		path:     path,
		logger:   logger,
		snapshot: DefaultDocument(),
	}
	if err := l.Reload(); err != nil {
		logger.Warn("ポリシー文書の初回読み込みに失敗したため組み込みデフォルトで開始します",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	return l
}

// Snapshot は現在のポリシー文書スナップショットを返す。
// 返り値は読み取り専用として扱うこと。
func (l *Loader) Snapshot() *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Reload はファイルからポリシー文書を読み込みスナップショットを差し替える。
// ファイル不在はエラーではなく現状維持。パースまたは検証の失敗時は
// 最後に正常だったスナップショットを維持してエラーを返す。
func (l *Loader) Reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ポリシーファイルの読み込みに失敗: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		l.logger.Error("ポリシー文書のパースに失敗しました。直前の正常なスナップショットを維持します",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ポリシー文書のパースに失敗: %w", err)
	}
	if err := doc.Validate(); err != nil {
		l.logger.Error("ポリシー文書の検証に失敗しました。直前の正常なスナップショットを維持します",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ポリシー文書の検証に失敗: %w", err)
	}

	l.mu.Lock()
	l.snapshot = &doc
	l.fromFile = true
	l.mu.Unlock()
	return nil
}

// SeedDebounce は環境変数由来のデバウンス既定値を組み込みデフォルトに反映する。
// ポリシーファイルから正常に読み込めている場合はファイル側の値を優先し、何もしない。
func (l *Loader) SeedDebounce(debounceSec int) {
	if debounceSec <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fromFile {
		return
	}
	l.snapshot.Policy.News.DebounceWindowSec = debounceSec
}

// Save は文書をYAMLとして永続化し、スナップショットも更新する。
// 一時ファイルへ書いてからリネームすることで部分書き込みを防ぐ。
func (l *Loader) Save(doc *Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ポリシー文書のシリアライズに失敗: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ポリシーディレクトリの作成に失敗: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("ポリシー一時ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("ポリシーファイルの差し替えに失敗: %w", err)
	}

	l.mu.Lock()
	l.snapshot = doc
	l.fromFile = true
	l.mu.Unlock()
	return nil
}

// Start は一定間隔でReloadを実行するループを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (l *Loader) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("ポリシー再読み込みループを開始しました",
		slog.String("path", l.path),
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("ポリシー再読み込みループを停止しました")
			return
		case <-ticker.C:
			if err := l.Reload(); err != nil {
				l.logger.Error("ポリシー文書の再読み込みに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
