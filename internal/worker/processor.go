// Package worker is the reference image worker: it consumes work units
// from the queue, applies the requested transformation, writes the result
// back to object storage, and reports lifecycle events to the
// orchestrator's callback API. Production deployments may replace it with
// heavier pipelines; the callback contract is all the orchestrator cares
// about.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/disintegration/imaging"

	"github.com/image-orchestrator/internal/domain"
)

// stickerEdge is the bounding box stickers are fitted into.
const stickerEdge = 512

// ErrUndecodable marks payloads that are not valid images. It is reported
// as a permanent failure: retrying a corrupt payload cannot help.
var ErrUndecodable = errors.New("payload is not a decodable image")

// ObjectStore is the subset of the object-storage client a processor needs.
type ObjectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Processor applies one operation to one payload.
type Processor struct {
	Store ObjectStore
}

// Process fetches the payload, transforms it, uploads the result next to
// the input under an "out/" prefix, and returns the output reference.
// Storage errors are returned as-is (transient from the worker's view);
// decode errors wrap ErrUndecodable.
func (p *Processor) Process(ctx context.Context, unit domain.WorkUnit) (string, error) {
	rc, err := p.Store.Download(ctx, unit.PayloadRef)
	if err != nil {
		return "", fmt.Errorf("fetch payload: %w", err)
	}
	defer rc.Close()

	src, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	out, err := p.apply(src, unit.Operation)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}

	outRef := "out/" + unit.JobID + ".png"
	if err := p.Store.Upload(ctx, outRef, &buf, "image/png"); err != nil {
		return "", fmt.Errorf("store result: %w", err)
	}
	return outRef, nil
}

func (p *Processor) apply(src image.Image, op domain.Operation) (image.Image, error) {
	switch op {
	case domain.OpConvert:
		// Conversion is the PNG re-encode itself.
		return src, nil
	case domain.OpSticker:
		return imaging.Fit(src, stickerEdge, stickerEdge, imaging.Lanczos), nil
	case domain.OpBackgroundRemoval:
		return removeBackground(src), nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", ErrUndecodable, op)
	}
}

// removeBackground applies a corner-sampled chroma key: pixels close to
// the dominant corner color become transparent. A stand-in for a real
// matting model, good enough for flat-background shots.
func removeBackground(src image.Image) image.Image {
	rgba := imaging.Clone(src)
	b := rgba.Bounds()
	kr, kg, kb := cornerColor(rgba)

	const tolerance = 48 * 48 * 3
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := rgba.PixOffset(x, y)
			dr := int(rgba.Pix[i]) - kr
			dg := int(rgba.Pix[i+1]) - kg
			db := int(rgba.Pix[i+2]) - kb
			if dr*dr+dg*dg+db*db < tolerance {
				rgba.Pix[i+3] = 0
			}
		}
	}
	return rgba
}

func cornerColor(img *image.NRGBA) (r, g, b int) {
	bnds := img.Bounds()
	corners := [][2]int{
		{bnds.Min.X, bnds.Min.Y},
		{bnds.Max.X - 1, bnds.Min.Y},
		{bnds.Min.X, bnds.Max.Y - 1},
		{bnds.Max.X - 1, bnds.Max.Y - 1},
	}
	for _, c := range corners {
		i := img.PixOffset(c[0], c[1])
		r += int(img.Pix[i])
		g += int(img.Pix[i+1])
		b += int(img.Pix[i+2])
	}
	return r / 4, g / 4, b / 4
}
