package blob

import (
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

// Format is an image encoding a Store can transcode to.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
)

type encodeFunc func(w io.Writer, img image.Image) error

var encoders = map[Format]encodeFunc{
	FormatPNG: png.Encode,
	FormatJPEG: func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 100})
	},
	FormatGIF: func(w io.Writer, img image.Image) error {
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	},
}

// ParseFormat maps a format name (case-insensitive, "jpg" accepted for JPEG)
// onto a supported Format.
func ParseFormat(name string) (Format, error) {
	f := Format(fs.NormalizeExt(strings.TrimSpace(name)))
	if f == "jpg" {
		f = FormatJPEG
	}
	if _, ok := encoders[f]; !ok {
		return "", xerrors.Wrap(xerrors.KindUnsupportedFormat, "blob.ParseFormat", name, fs.ErrNotSupported)
	}
	return f, nil
}

// Encode writes img to w in format f.
func (f Format) Encode(w io.Writer, img image.Image) error {
	enc, ok := encoders[f]
	if !ok {
		return xerrors.Wrap(xerrors.KindUnsupportedFormat, "blob.Encode", string(f), fs.ErrNotSupported)
	}
	return enc(w, img)
}

type imageSource struct {
	name   string
	img    image.Image
	format Format
}

func (s imageSource) Name() string { return s.name }

func (s imageSource) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := s.format.Encode(cw, s.img)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
