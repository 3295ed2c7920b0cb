// Package generation はパイプラインの各ステージが呼び出す生成処理の抽象と実装を提供します。
//
// コンセプトアート生成、3Dモデル生成、後処理（アセットの保存と公開）の
// 3つのインターフェースがあり、エグゼキューターはこれらを順に呼び出します。
package generation

import (
	"context"
	"io"
)

// ImageRef はコンセプトアート画像への参照です。
type ImageRef struct {
	URL string `json:"url"`
}

// ModelRef は生成された3Dモデルへの参照です。
type ModelRef struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

// ModelConfig は3Dモデル生成のパラメーターです。
type ModelConfig struct {
	AssetType string `json:"assetType"`
	Subtype   string `json:"subtype,omitempty"`
	Quality   string `json:"quality,omitempty"`
	Rigged    bool   `json:"rigged,omitempty"`
}

// Asset は公開済みの最終アセットです。
type Asset struct {
	ID  string `json:"assetId"`
	URL string `json:"assetUrl"`
}

// ConceptArtGenerator はプロンプトからコンセプトアートを生成します。
type ConceptArtGenerator interface {
	Generate(ctx context.Context, prompt, style string) (ImageRef, error)
}

// ModelGenerator はコンセプトアートから3Dモデルを生成します。
type ModelGenerator interface {
	Generate(ctx context.Context, image ImageRef, cfg ModelConfig) (ModelRef, error)
}

// PostProcessor は3Dモデルを最終アセットとして公開します。
type PostProcessor interface {
	Process(ctx context.Context, model ModelRef) (Asset, error)
}

// ModelFetcher はモデル参照から実データを取得します。
type ModelFetcher interface {
	Fetch(ctx context.Context, model ModelRef) (io.ReadCloser, error)
}
