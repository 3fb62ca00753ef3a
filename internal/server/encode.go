//go:build !ios && !android && (amd64 || arm64)

package server

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/obinnaokechukwu/ffgo/avutil"

	"github.com/obinnaokechukwu/vframed/internal/cache"
)

// RenderFormat is the response container for a decoded raster.
type RenderFormat int

const (
	FormatPNG RenderFormat = iota
	FormatJPEG
	FormatPPM
	FormatRaw
)

// ParseRenderFormat maps a format query value to a container and, for the
// raw rgb/rgba variants, the decoded pixel format. An empty value selects
// PNG. The second return is zero when the container does not constrain the
// decoded format.
func ParseRenderFormat(val string) (RenderFormat, avutil.PixelFormat, bool) {
	switch val {
	case "", "png":
		return FormatPNG, 0, true
	case "jpg", "jpeg":
		return FormatJPEG, 0, true
	case "ppm":
		return FormatPPM, 0, true
	case "raw":
		return FormatRaw, 0, true
	case "rgb":
		return FormatRaw, avutil.PixelFormatRGB24, true
	case "rgba":
		return FormatRaw, avutil.PixelFormatRGBA, true
	}
	return 0, 0, false
}

// EncodeRaster encodes a decoded raster into the response container and
// returns the blob with its content type.
func EncodeRaster(v cache.Value, f RenderFormat, jpegQuality int) ([]byte, string, error) {
	switch f {
	case FormatRaw:
		return v.Data, "application/octet-stream", nil

	case FormatPPM:
		rgb, err := rasterRGB(v)
		if err != nil {
			return nil, "", err
		}
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "P6\n%d %d\n255\n", v.Width, v.Height)
		buf.Write(rgb)
		return buf.Bytes(), "image/x-portable-pixmap", nil

	case FormatPNG:
		img, err := rasterImage(v)
		if err != nil {
			return nil, "", err
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("%w: png: %v", ErrInternal, err)
		}
		return buf.Bytes(), "image/png", nil

	case FormatJPEG:
		img, err := rasterImage(v)
		if err != nil {
			return nil, "", err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", fmt.Errorf("%w: jpeg: %v", ErrInternal, err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	return nil, "", fmt.Errorf("%w: unknown render format", ErrBadRequest)
}

// rasterImage wraps a raster in an image.Image without copying where the
// layout allows it.
func rasterImage(v cache.Value) (image.Image, error) {
	switch avutil.PixelFormat(v.Format) {
	case avutil.PixelFormatRGBA:
		return &image.NRGBA{
			Pix:    v.Data,
			Stride: v.Width * 4,
			Rect:   image.Rect(0, 0, v.Width, v.Height),
		}, nil
	case avutil.PixelFormatRGB24:
		return &rgbImage{pix: v.Data, w: v.Width, h: v.Height}, nil
	}
	return nil, fmt.Errorf("%w: cannot encode pixel format %d", ErrBadRequest, v.Format)
}

// rasterRGB returns tightly packed RGB bytes for the PPM body.
func rasterRGB(v cache.Value) ([]byte, error) {
	switch avutil.PixelFormat(v.Format) {
	case avutil.PixelFormatRGB24:
		return v.Data, nil
	case avutil.PixelFormatRGBA:
		out := make([]byte, v.Width*v.Height*3)
		for i, o := 0, 0; o < len(out); i, o = i+4, o+3 {
			out[o] = v.Data[i]
			out[o+1] = v.Data[i+1]
			out[o+2] = v.Data[i+2]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot encode pixel format %d", ErrBadRequest, v.Format)
}

// rgbImage exposes a packed RGB24 raster as an image.Image.
type rgbImage struct {
	pix  []byte
	w, h int
}

func (r *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (r *rgbImage) Bounds() image.Rectangle { return image.Rect(0, 0, r.w, r.h) }

func (r *rgbImage) At(x, y int) color.Color {
	i := (y*r.w + x) * 3
	return color.RGBA{R: r.pix[i], G: r.pix[i+1], B: r.pix[i+2], A: 0xff}
}
