package visualize

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/prl900/solarlayers/rastreader"
	"golang.org/x/sync/errgroup"
)

// Frame is one rendered image. Index is the frame's position in its
// sequence, e.g. the month for monthly flux.
type Frame struct {
	Index int
	Image *image.NRGBA
}

var transparent = color.NRGBA{}

// PaletteJob describes a palette-mapped rendering of one band.
type PaletteJob struct {
	Data *rastreader.Raster
	Band int
	// Mask, when set, makes every pixel with a zero mask value transparent.
	Mask   *rastreader.Raster
	Colors []string
	Min    float64
	Max    float64
}

// frameSize is the mask's size when masking, the data's otherwise.
func frameSize(data, mask *rastreader.Raster) (int, int) {
	if mask != nil {
		return mask.Width, mask.Height
	}
	return data.Width, data.Height
}

func checkMask(mask *rastreader.Raster) error {
	if mask == nil {
		return nil
	}
	if err := mask.Validate(); err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	return nil
}

// roof reports whether pixel i of the mask is set. NaN counts as unset.
func roof(mask *rastreader.Raster, i int) bool {
	v := mask.Bands[0][i]
	return v != 0 && !math.IsNaN(v)
}

// RenderPalette renders one band through the job's palette. Output has the
// mask's dimensions when a mask is given; data is sampled nearest-neighbour.
func RenderPalette(job PaletteJob, index int) (Frame, error) {
	if job.Data == nil {
		return Frame{}, errors.New("no data raster")
	}
	if err := job.Data.Validate(); err != nil {
		return Frame{}, fmt.Errorf("data: %w", err)
	}
	if job.Band < 0 || job.Band >= len(job.Data.Bands) {
		return Frame{}, fmt.Errorf("band %d out of range, raster has %d", job.Band, len(job.Data.Bands))
	}
	if err := checkMask(job.Mask); err != nil {
		return Frame{}, err
	}
	lut, err := NewLUT(job.Colors, LUTSize)
	if err != nil {
		return Frame{}, err
	}

	data, band := job.Data, job.Data.Bands[job.Band]
	w, h := frameSize(data, job.Mask)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := y * data.Height / h
		for x := 0; x < w; x++ {
			i := y*w + x
			c := transparent
			if job.Mask == nil || roof(job.Mask, i) {
				v := band[sy*data.Width+x*data.Width/w]
				if data.IsNoData(v) {
					v = job.Min
				}
				c = lut.At(Normalize(v, job.Min, job.Max))
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return Frame{Index: index, Image: img}, nil
}

// RenderRGB renders bands 0-2 as true colour. Integer samples wider than
// 8 bits are scaled down to 0-255; float samples are clamped.
func RenderRGB(data, mask *rastreader.Raster, index int) (Frame, error) {
	if data == nil {
		return Frame{}, errors.New("no data raster")
	}
	if err := data.Validate(); err != nil {
		return Frame{}, fmt.Errorf("data: %w", err)
	}
	if len(data.Bands) < 3 {
		return Frame{}, fmt.Errorf("true colour needs 3 bands, raster has %d", len(data.Bands))
	}
	if err := checkMask(mask); err != nil {
		return Frame{}, err
	}

	scale := 1.0
	if data.SampleFormat != rastreader.SampleFloat && data.BitsPerSample > 8 {
		scale = 255 / (math.Exp2(float64(data.BitsPerSample)) - 1)
	}
	channel := func(v float64) uint8 {
		v = math.Round(v * scale)
		switch {
		case math.IsNaN(v) || v < 0:
			return 0
		case v > 255:
			return 255
		}
		return uint8(v)
	}

	r, g, b := data.Bands[0], data.Bands[1], data.Bands[2]
	w, h := frameSize(data, mask)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := y * data.Height / h
		for x := 0; x < w; x++ {
			c := transparent
			if mask == nil || roof(mask, y*w+x) {
				j := sy*data.Width + x*data.Width/w
				c = color.NRGBA{R: channel(r[j]), G: channel(g[j]), B: channel(b[j]), A: 0xff}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return Frame{Index: index, Image: img}, nil
}

// RenderFrames calls render for indices 0..n-1 concurrently and returns
// the frames in index order. Each call owns its output buffer.
func RenderFrames(ctx context.Context, n int, render func(i int) (Frame, error)) ([]Frame, error) {
	frames := make([]Frame, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := render(i)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}
