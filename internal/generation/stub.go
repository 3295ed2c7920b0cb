package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

const stubScheme = "stub://"

// Stub はローカル開発用の生成器です（GENERATION_PROVIDER=stub）。
// 外部APIを呼ばず、入力から決定的な参照と最小の glb を返します。
type Stub struct {
	// Delay は各呼び出しで待機する時間です。
	Delay time.Duration
}

// NewStub は Stub を作成します。
func NewStub(delay time.Duration) *Stub {
	return &Stub{Delay: delay}
}

// Generate はプロンプトとスタイルのハッシュを含む画像参照を返します。
func (s *Stub) Generate(ctx context.Context, prompt, style string) (ImageRef, error) {
	if err := s.wait(ctx); err != nil {
		return ImageRef{}, err
	}
	return ImageRef{URL: stubScheme + "concept/" + digest(prompt, style) + ".png"}, nil
}

// Models は ModelGenerator として振る舞うビューを返します。
func (s *Stub) Models() ModelGenerator {
	return stubModels{s}
}

type stubModels struct {
	s *Stub
}

func (m stubModels) Generate(ctx context.Context, image ImageRef, cfg ModelConfig) (ModelRef, error) {
	if err := m.s.wait(ctx); err != nil {
		return ModelRef{}, err
	}
	return ModelRef{
		URL:    stubScheme + "model/" + digest(image.URL, cfg.AssetType, cfg.Quality) + ".glb",
		Format: "glb",
	}, nil
}

// Fetch は stub:// 参照に対して最小の glb データを返します。
func (s *Stub) Fetch(ctx context.Context, model ModelRef) (io.ReadCloser, error) {
	if !strings.HasPrefix(model.URL, stubScheme) {
		return nil, fmt.Errorf("stub fetcher cannot load %q", model.URL)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(minimalGLB())), nil
}

func (s *Stub) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// minimalGLB は空の JSON チャンクだけを持つ glTF 2.0 バイナリです。
func minimalGLB() []byte {
	jsonChunk := []byte(`{"asset":{"version":"2.0"}} `)
	total := 12 + 8 + len(jsonChunk)

	buf := new(bytes.Buffer)
	buf.WriteString("glTF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(2))
	_ = binary.Write(buf, binary.LittleEndian, uint32(total))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(jsonChunk)))
	buf.WriteString("JSON")
	buf.Write(jsonChunk)
	return buf.Bytes()
}
