package media

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"
	_ "golang.org/x/image/webp"
)

// maxVisionSide bounds the longest side of images sent to the vision model.
const maxVisionSide = 1024

// ImageDataURL decodes data, shrinks it to fit maxVisionSide and re-encodes it
// as a JPEG data URL. Undecodable images are permanent failures.
func ImageDataURL(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", permanent("undecodable image", err)
	}

	b := img.Bounds()
	if b.Dx() > maxVisionSide || b.Dy() > maxVisionSide {
		img = resize.Thumbnail(maxVisionSide, maxVisionSide, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", permanent("re-encode image", err)
	}
	return dataurl.New(buf.Bytes(), "image/jpeg").String(), nil
}
