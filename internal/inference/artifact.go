package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Artifact is the on-disk description of a calorie regression model.
//
//	name: food-calorie-linear
//	version: 3
//	base_kcal: 120
//	kcal_per_megapixel: 95
//	warm_tone_weight: 140
//	max_kcal: 1800
type Artifact struct {
	Name             string  `yaml:"name"`
	Version          int     `yaml:"version"`
	BaseKcal         float64 `yaml:"base_kcal"`
	KcalPerMegapixel float64 `yaml:"kcal_per_megapixel"`
	WarmToneWeight   float64 `yaml:"warm_tone_weight"`
	MaxKcal          float64 `yaml:"max_kcal"`
	// MaxMegapixels caps the size contribution; zero means 12.
	MaxMegapixels float64 `yaml:"max_megapixels"`
}

func (a Artifact) validate() error {
	var errs []error
	if a.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if a.BaseKcal < 0 {
		errs = append(errs, errors.New("base_kcal must not be negative"))
	}
	if a.MaxKcal <= 0 {
		errs = append(errs, errors.New("max_kcal must be positive"))
	}
	if a.MaxMegapixels < 0 {
		errs = append(errs, errors.New("max_megapixels must not be negative"))
	}
	return errors.Join(errs...)
}

// ArtifactLoader reads YAML model artifacts from a filesystem.
type ArtifactLoader struct {
	Fs afero.Fs
}

func (l ArtifactLoader) Load(ctx context.Context, path string) (ModelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := afero.ReadFile(l.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var artifact Artifact
	if err := yaml.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	if err := artifact.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	if artifact.MaxMegapixels == 0 {
		artifact.MaxMegapixels = 12
	}
	return &artifactModel{artifact: artifact}, nil
}

type artifactModel struct {
	artifact Artifact
}

const (
	// sampleGrid bounds the number of pixels read per image.
	sampleGrid = 64
	// maxDecodePixels bounds the bitmap allocated by image.Decode (about 160 MB as RGBA).
	maxDecodePixels = 40_000_000
)

func (m *artifactModel) Infer(ctx context.Context, data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, ErrMalformedImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, fmt.Errorf("%w: empty image", ErrMalformedImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxDecodePixels {
		return 0, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedFormat, cfg.Width, cfg.Height, maxDecodePixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrMalformedImage)
	}
	megapixels := math.Min(float64(width*height)/1e6, m.artifact.MaxMegapixels)

	stepX := max(1, width/sampleGrid)
	stepY := max(1, height/sampleGrid)
	var warmth float64
	var samples int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, _, b, _ := img.At(x, y).RGBA()
			warmth += (float64(r) - float64(b)) / 0xffff
			samples++
		}
	}
	warmth /= float64(samples)

	a := m.artifact
	kcal := a.BaseKcal + a.KcalPerMegapixel*megapixels + a.WarmToneWeight*warmth
	return math.Max(0, math.Min(kcal, a.MaxKcal)), nil
}
