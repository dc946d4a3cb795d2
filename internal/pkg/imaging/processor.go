package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Probe describes a decoded image's dimensions and encoding, used by the
// worker to fill in an artifact's metadata
// (width/height) without trusting whatever the inference service reports.
type Probe struct {
	ContentType string
	Width       int
	Height      int
}

// Config bounds how large a depth map the worker will accept from the
// inference service before downscaling it for storage.
type Config struct {
	MaxWidth  int // default 4096
	MaxHeight int // default 4096
	Quality   int // JPEG quality 1-100, default 90
}

// DefaultConfig returns default processing config.
func DefaultConfig() Config {
	return Config{
		MaxWidth:  4096,
		MaxHeight: 4096,
		Quality:   90,
	}
}

// Processor decodes and, if needed, downscales depth map images returned by
// the inference service before they reach the artifact store.
type Processor struct {
	config Config
}

// NewProcessor creates an image processor.
func NewProcessor(config Config) *Processor {
	return &Processor{config: config}
}

// ProcessDepthMap decodes a depth image, downscaling it if it exceeds the
// configured bounds, and re-encodes it in its original format. It returns
// the (possibly unmodified) bytes alongside the resulting dimensions.
func (p *Processor) ProcessDepthMap(reader io.Reader) ([]byte, Probe, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, Probe{}, fmt.Errorf("failed to read depth image: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Probe{}, fmt.Errorf("failed to decode depth image: %w", err)
	}

	probe := Probe{
		ContentType: mimeFromFormat(format),
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}

	if probe.Width <= p.config.MaxWidth && probe.Height <= p.config.MaxHeight {
		return data, probe, nil
	}

	resized := imaging.Fit(img, p.config.MaxWidth, p.config.MaxHeight, imaging.Lanczos)
	probe.Width = resized.Bounds().Dx()
	probe.Height = resized.Bounds().Dy()

	encoded, err := p.encode(resized, format)
	if err != nil {
		return nil, Probe{}, fmt.Errorf("failed to re-encode depth image: %w", err)
	}
	return encoded, probe, nil
}

// ProbeDimensions decodes just enough of a reader to report its dimensions
// and content type, without re-encoding. Used for source media that the
// orchestrator stores but never transforms.
func ProbeDimensions(reader io.Reader) (Probe, error) {
	cfg, format, err := image.DecodeConfig(reader)
	if err != nil {
		return Probe{}, fmt.Errorf("failed to probe image: %w", err)
	}
	return Probe{
		ContentType: mimeFromFormat(format),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// ValidateType checks if a filename has a supported image extension.
func ValidateType(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	default:
		return false
	}
}

// ValidateSize checks if file size is within limits (in bytes).
func ValidateSize(size int64, maxSize int64) bool {
	return size <= maxSize
}

// encode encodes an image back to bytes in the given format.
func (p *Processor) encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.config.Quality}); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func mimeFromFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
