package blob

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"time"

	"golang.org/x/image/draw"
)

const (
	MaxPhotoWidth = 600
	PhotoQuality  = 60
)

// Downscale decodes an image, shrinks it to at most maxWidth pixels wide
// keeping the aspect ratio, and re-encodes it as JPEG.
func Downscale(raw []byte, maxWidth, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	var out image.Image = img
	if bounds.Dx() > maxWidth {
		h := bounds.Dy() * maxWidth / bounds.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		out = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// Photos resizes and stores report and profile photos.
type Photos struct {
	Storage Storage
	Now     func() time.Time
}

func (p *Photos) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Photos) SaveReportPhoto(ctx context.Context, accountID string, raw []byte) (string, error) {
	return p.save(ctx, "reports", accountID, raw)
}

func (p *Photos) SaveProfilePhoto(ctx context.Context, accountID string, raw []byte) (string, error) {
	return p.save(ctx, "profile_images", accountID, raw)
}

func (p *Photos) save(ctx context.Context, prefix, accountID string, raw []byte) (string, error) {
	small, err := Downscale(raw, MaxPhotoWidth, PhotoQuality)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/%s/%d.jpg", prefix, accountID, p.now().UnixMilli())
	if err := p.Storage.Save(ctx, path, bytes.NewReader(small), "image/jpeg"); err != nil {
		return "", err
	}
	return p.Storage.URL(path), nil
}
