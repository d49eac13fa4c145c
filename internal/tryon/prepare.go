package tryon

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/tccmarket/api/internal/model"
)

const (
	DefaultMaxUploadBytes = 5 << 20
	DefaultMaxDimension   = 2048
	DefaultMaxPixels      = 40_000_000
	reencodeQuality       = 90
)

// ImageLimits bounds what is sent to the remote service
type ImageLimits struct {
	MaxBytes     int64
	MaxDimension int
	// MaxPixels caps the declared width*height, checked before decoding
	MaxPixels int
}

var acceptedUploadTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
}

// PrepareImage validates an upload and downscales it when its longest side
// exceeds the limit. Small images are passed through byte for byte.
func PrepareImage(in model.ImagePayload, limits ImageLimits) (model.ImagePayload, error) {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxUploadBytes
	}
	if limits.MaxDimension <= 0 {
		limits.MaxDimension = DefaultMaxDimension
	}
	if limits.MaxPixels <= 0 {
		limits.MaxPixels = DefaultMaxPixels
	}

	if len(in.Data) == 0 {
		return in, newError(StageSubmit, KindSubmissionRejected, "empty image", nil)
	}
	if int64(len(in.Data)) > limits.MaxBytes {
		return in, newError(StageSubmit, KindSubmissionRejected,
			fmt.Sprintf("image is %d bytes, limit is %d", len(in.Data), limits.MaxBytes), nil)
	}

	detected := mimetype.Detect(in.Data).String()
	if !acceptedUploadTypes[detected] {
		return in, newError(StageSubmit, KindSubmissionRejected, fmt.Sprintf("unsupported image type %s", detected), nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return in, newError(StageSubmit, KindSubmissionRejected, "image header could not be read", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(limits.MaxPixels) {
		return in, newError(StageSubmit, KindSubmissionRejected,
			fmt.Sprintf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, limits.MaxPixels), nil)
	}

	img, err := imaging.Decode(bytes.NewReader(in.Data), imaging.AutoOrientation(true))
	if err != nil {
		return in, newError(StageSubmit, KindSubmissionRejected, "image could not be decoded", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= limits.MaxDimension && bounds.Dy() <= limits.MaxDimension {
		return model.ImagePayload{Data: in.Data, ContentType: detected}, nil
	}

	resized := imaging.Fit(img, limits.MaxDimension, limits.MaxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(reencodeQuality)); err != nil {
		return in, newError(StageSubmit, KindSubmissionRejected, "image could not be re-encoded", err)
	}
	return model.ImagePayload{Data: buf.Bytes(), ContentType: "image/jpeg"}, nil
}
