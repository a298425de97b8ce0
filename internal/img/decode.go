// internal/img/decode.go
package img

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// Source is a decoded original shared read-only by every pipeline stage.
type Source struct {
	Image  image.Image
	Width  int
	Height int
	Exif   *schema.ExifData
}

// Decode applies EXIF orientation, so Width and Height are as displayed.
func Decode(data []byte) (*Source, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := src.Bounds()
	return &Source{
		Image:  src,
		Width:  b.Dx(),
		Height: b.Dy(),
		Exif:   readExif(data),
	}, nil
}

// readExif returns nil when the image carries no camera make or model.
func readExif(data []byte) *schema.ExifData {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	meta := schema.ExifData{
		Make:  tagString(x, exif.Make),
		Model: tagString(x, exif.Model),
	}
	if meta.Make == "" && meta.Model == "" {
		return nil
	}
	return &meta
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
