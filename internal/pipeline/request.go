package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yourusername/asset-forge/internal/generation"
)

// AssetType は生成するアセットの種類です。
type AssetType string

const (
	AssetWeapon      AssetType = "weapon"
	AssetArmor       AssetType = "armor"
	AssetCharacter   AssetType = "character"
	AssetProp        AssetType = "prop"
	AssetEnvironment AssetType = "environment"
)

var assetTypes = map[AssetType]bool{
	AssetWeapon:      true,
	AssetArmor:       true,
	AssetCharacter:   true,
	AssetProp:        true,
	AssetEnvironment: true,
}

// Quality は生成品質です。
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

const (
	maxNameLength     = 120
	maxPromptLength   = 2000
	maxStyleLength    = 200
	maxMetadataFields = 32
	maxMetadataValue  = 500
)

// CharacterOptions は type=character のときだけ指定できる設定です。
type CharacterOptions struct {
	Gender string `json:"gender,omitempty"`
	Rigged bool   `json:"rigged,omitempty"`
}

// WeaponOptions は type=weapon のときだけ指定できる設定です。
type WeaponOptions struct {
	Handedness string `json:"handedness,omitempty"`
	Material   string `json:"material,omitempty"`
}

// GenerationRequest は生成リクエストです。ジョブには正規化後の内容がそのまま保存されます。
type GenerationRequest struct {
	Name      string            `json:"name"`
	Type      AssetType         `json:"type"`
	Prompt    string            `json:"prompt"`
	Style     string            `json:"style,omitempty"`
	Subtype   string            `json:"subtype,omitempty"`
	Quality   Quality           `json:"quality,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Character *CharacterOptions `json:"character,omitempty"`
	Weapon    *WeaponOptions    `json:"weapon,omitempty"`
}

// Normalize は前後の空白を除去し、既定値を補います。
func (r *GenerationRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Type = AssetType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.Style = strings.TrimSpace(r.Style)
	r.Subtype = strings.TrimSpace(r.Subtype)
	r.Quality = Quality(strings.ToLower(strings.TrimSpace(string(r.Quality))))
	if r.Quality == "" {
		r.Quality = QualityStandard
	}
	if r.Character != nil {
		r.Character.Gender = strings.ToLower(strings.TrimSpace(r.Character.Gender))
	}
	if r.Weapon != nil {
		r.Weapon.Handedness = strings.ToLower(strings.TrimSpace(r.Weapon.Handedness))
		r.Weapon.Material = strings.TrimSpace(r.Weapon.Material)
	}
}

// Validate はリクエストを検証し、最初に見つかった問題を ValidationError で返します。
func (r *GenerationRequest) Validate() error {
	if r.Name == "" {
		return invalid("name", "is required")
	}
	if utf8.RuneCountInString(r.Name) > maxNameLength {
		return invalid("name", "must be at most %d characters", maxNameLength)
	}
	if r.Type == "" {
		return invalid("type", "is required")
	}
	if !assetTypes[r.Type] {
		return invalid("type", "must be one of %s", strings.Join(sortedAssetTypes(), ", "))
	}
	if r.Prompt == "" {
		return invalid("prompt", "is required")
	}
	if utf8.RuneCountInString(r.Prompt) > maxPromptLength {
		return invalid("prompt", "must be at most %d characters", maxPromptLength)
	}
	if utf8.RuneCountInString(r.Style) > maxStyleLength {
		return invalid("style", "must be at most %d characters", maxStyleLength)
	}
	switch r.Quality {
	case QualityDraft, QualityStandard, QualityHigh:
	default:
		return invalid("quality", "must be one of draft, standard, high")
	}
	if len(r.Metadata) > maxMetadataFields {
		return invalid("metadata", "must have at most %d entries", maxMetadataFields)
	}
	for k, v := range r.Metadata {
		if strings.TrimSpace(k) == "" {
			return invalid("metadata", "keys must not be empty")
		}
		if utf8.RuneCountInString(v) > maxMetadataValue {
			return invalid("metadata."+k, "must be at most %d characters", maxMetadataValue)
		}
	}

	if r.Character != nil && r.Type != AssetCharacter {
		return invalid("character", "is only allowed when type is character")
	}
	if r.Weapon != nil && r.Type != AssetWeapon {
		return invalid("weapon", "is only allowed when type is weapon")
	}
	if r.Character != nil {
		switch r.Character.Gender {
		case "", "male", "female", "neutral":
		default:
			return invalid("character.gender", "must be one of male, female, neutral")
		}
	}
	if r.Weapon != nil {
		switch r.Weapon.Handedness {
		case "", "one-handed", "two-handed":
		default:
			return invalid("weapon.handedness", "must be one-handed or two-handed")
		}
	}
	return nil
}

// ModelConfig は3Dモデル生成へ渡すパラメーターを返します。
func (r *GenerationRequest) ModelConfig() generation.ModelConfig {
	cfg := generation.ModelConfig{
		AssetType: string(r.Type),
		Subtype:   r.Subtype,
		Quality:   string(r.Quality),
	}
	if r.Character != nil {
		cfg.Rigged = r.Character.Rigged
	}
	return cfg
}

// ConceptPrompt はコンセプトアート生成に渡すプロンプトです。
func (r *GenerationRequest) ConceptPrompt() string {
	parts := []string{r.Prompt}
	if r.Subtype != "" {
		parts = append(parts, fmt.Sprintf("%s %s", r.Subtype, r.Type))
	} else {
		parts = append(parts, string(r.Type))
	}
	if r.Weapon != nil && r.Weapon.Material != "" {
		parts = append(parts, "made of "+r.Weapon.Material)
	}
	if r.Character != nil && r.Character.Gender != "" {
		parts = append(parts, r.Character.Gender)
	}
	return strings.Join(parts, ", ")
}

// Summary は監査ログ用の短い説明です。
func (r *GenerationRequest) Summary() string {
	return fmt.Sprintf("%s (%s, %s)", r.Name, r.Type, r.Quality)
}

func sortedAssetTypes() []string {
	out := make([]string, 0, len(assetTypes))
	for t := range assetTypes {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
