// Package queue は実行待ちジョブの優先度付きキューを提供します。
//
// キューはレーン（high / normal / low）ごとの FIFO で、取り出しは
// 優先度の高い空でないレーンの先頭から行います。永続的な状態は
// ジョブレコードストアが持ち、キューが保持するのはジョブIDのみです。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lane は優先度レーンです。
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneNormal Lane = "normal"
	LaneLow    Lane = "low"
)

// DefaultLanes は取り出し優先順に並んだレーン一覧です。
var DefaultLanes = []Lane{LaneHigh, LaneNormal, LaneLow}

var (
	// ErrEmpty はすべてのレーンが空であることを表します。
	ErrEmpty = errors.New("queue is empty")
	// ErrUnknownLane は未定義のレーンが指定された場合に返されます。
	ErrUnknownLane = errors.New("unknown queue lane")
)

// Entry はキュー内の1件です。
type Entry struct {
	Lane       Lane      `json:"lane"`
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Enqueuer はジョブをレーンに投入します。
type Enqueuer interface {
	Enqueue(ctx context.Context, lane Lane, jobID string) error
}

// DepthReporter はレーンごとの待ち件数を返します。
type DepthReporter interface {
	Depths(ctx context.Context) (map[Lane]int64, error)
}

// Queue はワーカーが取り出しを行うプル型キューです。
// Dequeue は複数ワーカーから同時に呼ばれても同じエントリを二度返しません。
type Queue interface {
	Enqueuer
	DepthReporter
	Dequeue(ctx context.Context) (Entry, error)
}

// ParseLane は文字列をレーンに変換します。
func ParseLane(s string) (Lane, error) {
	lane := Lane(s)
	if err := validateLane(DefaultLanes, lane); err != nil {
		return "", err
	}
	return lane, nil
}

func validateLane(lanes []Lane, lane Lane) error {
	for _, l := range lanes {
		if l == lane {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownLane, lane)
}
