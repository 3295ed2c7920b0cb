package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/asset-forge/internal/storage"
)

// DefaultMaxModelBytes は後処理で受け付けるモデルサイズの上限です。
const DefaultMaxModelBytes int64 = 256 << 20

// ErrModelTooLarge はモデルが上限サイズを超えた場合に返されます。
var ErrModelTooLarge = errors.New("model exceeds size limit")

// StoragePostProcessor はモデルを取得して内容から形式を判定し、ストレージへ保存します。
type StoragePostProcessor struct {
	fetcher  ModelFetcher
	storage  storage.Storage
	maxBytes int64
	newID    func() string
}

// NewStoragePostProcessor は StoragePostProcessor を作成します。
func NewStoragePostProcessor(fetcher ModelFetcher, store storage.Storage) *StoragePostProcessor {
	return &StoragePostProcessor{
		fetcher:  fetcher,
		storage:  store,
		maxBytes: DefaultMaxModelBytes,
		newID:    uuid.NewString,
	}
}

// Process はモデルを assets/<assetID>/model<ext> に保存し、公開URLを返します。
func (p *StoragePostProcessor) Process(ctx context.Context, model ModelRef) (Asset, error) {
	if model.URL == "" {
		return Asset{}, errors.New("model reference is empty")
	}
	body, err := p.fetcher.Fetch(ctx, model)
	if err != nil {
		return Asset{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, p.maxBytes+1))
	if err != nil {
		return Asset{}, fmt.Errorf("read model: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return Asset{}, ErrModelTooLarge
	}
	if len(data) == 0 {
		return Asset{}, errors.New("model is empty")
	}

	detected := mimetype.Detect(data)
	ext := detected.Extension()
	if ext == "" || ext == ".bin" || ext == ".txt" {
		if model.Format != "" {
			ext = "." + model.Format
		}
	}

	assetID := p.newID()
	key := fmt.Sprintf("assets/%s/model%s", assetID, ext)
	if err := p.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), detected.String()); err != nil {
		return Asset{}, fmt.Errorf("store asset: %w", err)
	}
	return Asset{ID: assetID, URL: p.storage.URL(key)}, nil
}
