// Package storage は生成済みアセットの保存先を抽象化します。
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey はオブジェクトキーが不正な場合に返されます。
var ErrInvalidKey = errors.New("invalid object key")

// Storage はアセットを保存し、公開URLを返します。
type Storage interface {
	// Put はデータを key に保存します。size が不明な場合は -1 を渡します。
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// URL は key の公開URLを返します。
	URL(key string) string
}

// cleanKey は key を正規化し、ルート外を指すキーを拒否します。
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", ErrInvalidKey
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
