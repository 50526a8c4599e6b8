package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Decode validates the scan and decodes it into a single 2D image. For
// volumetric formats it extracts the representative slice (first DICOM
// frame, middle NIfTI axial slice). All failures wrap ErrInvalidImage.
func Decode(s *Scan) (image.Image, Format, error) {
	format, err := s.Validate()
	if err != nil {
		return nil, Unknown, err
	}

	var img image.Image
	switch format {
	case PNG, JPEG:
		img, _, err = image.Decode(bytes.NewReader(s.Data))
	case DICOM:
		img, err = decodeDICOM(s.Data)
	case NIfTI:
		img, err = decodeNIfTI(s.Data)
	}
	if err != nil {
		return nil, Unknown, fmt.Errorf("%w: decode %s: %v", ErrInvalidImage, format, err)
	}

	return img, format, nil
}

func decodeDICOM(data []byte) (image.Image, error) {
	dataset, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, err
	}

	el, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}

	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("pixel data contains no frames")
	}

	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("extract frame: %w", err)
	}
	return img, nil
}

// Preprocess resizes the decoded image to the model's fixed input
// geometry and normalizes it into an NHWC float32 tensor with RGB
// values scaled to [0,1].
func Preprocess(img image.Image, height, width int) []float32 {
	resized := resize.Resize(uint(width), uint(height), img, resize.Bilinear)

	out := make([]float32, height*width*3)
	bounds := resized.Bounds()

	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+height; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			out[i] = float32(r>>8) / 255
			out[i+1] = float32(g>>8) / 255
			out[i+2] = float32(b>>8) / 255
			i += 3
		}
	}
	return out
}
