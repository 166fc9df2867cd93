package ingest

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduper は直近に観測したDedupKeyの固定長ウィンドウを保持する。
// キーの参照時刻は更新しない（ContainsのみでGetを使わない）ため、
// 追い出し順は挿入順と一致し、ウィンドウは純粋なFIFOとして振る舞う。
type Deduper struct {
	window *lru.Cache[string, struct{}]
}

// NewDeduper は容量sizeのDeduperを生成する。
func NewDeduper(size int) (*Deduper, error) {
	window, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{window: window}, nil
}

// Seen はキーが既知かどうかを返し、未知の場合はウィンドウへ記録する。
func (d *Deduper) Seen(key string) bool {
	if d.window.Contains(key) {
		return true
	}
	d.window.Add(key, struct{}{})
	return false
}

// Len は現在ウィンドウに保持しているキー数を返す。
func (d *Deduper) Len() int {
	return d.window.Len()
}
