// Package pipeline は生成パイプラインの受付・実行・状態配信を提供します。
//
// 受付（Service.Submit）はジョブを作成してキューへ投入し即座に返ります。
// 実行（Executor / Worker）はキューから取り出したジョブのステージを
// conceptArt → model3D → processing の順に進め、
// 状態（Project / Service.GetStatus / Service.Stream）はジョブレコードから組み立てます。
package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnauthorized は呼び出し元を識別できない場合に返されます。
var ErrUnauthorized = errors.New("caller identity is required")

// ValidationError は生成リクエストの内容が不正な場合に返されます。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
