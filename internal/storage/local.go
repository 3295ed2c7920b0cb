package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local はローカルファイルシステムに保存するストレージです（開発環境用）。
type Local struct {
	root    string
	baseURL string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{root: root, baseURL: baseURL}, nil
}

// Root は保存先ディレクトリを返します。
func (s *Local) Root() string {
	return s.root
}

// Put は一時ファイルに書き込んでからリネームします。
func (s *Local) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", cleaned, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", cleaned, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", cleaned, err)
	}
	return nil
}

// URL は baseURL に key を連結した公開URLを返します。
func (s *Local) URL(key string) string {
	cleaned, err := cleanKey(key)
	if err != nil {
		return ""
	}
	return joinURL(s.baseURL, cleaned)
}
