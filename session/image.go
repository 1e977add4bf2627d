package session

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/anari-examples/backend"
)

// ColorImage copies a mapped color channel into an image, flipping it so row 0 is the top.
func ColorImage(m backend.MappedChannel) (*image.RGBA, error) {
	if m.Type != backend.UFixed8RGBASRGB {
		return nil, errors.Newf("unrecognized channel format %s - will not write image files", m.Type)
	}
	if len(m.Data) != m.PixelCount()*4 {
		return nil, errors.Newf("channel holds %d bytes for %dx%d pixels", len(m.Data), m.Width, m.Height)
	}

	width, height := int(m.Width), int(m.Height)
	outImg := image.NewRGBA(image.Rectangle{
		Min: image.Point{X: 0, Y: 0},
		Max: image.Point{X: width, Y: height},
	})

	for y := 0; y < height; y++ {
		rowIndex := (height - 1 - y) * width * 4
		for x := 0; x < width; x++ {
			outImg.SetRGBA(x, y, color.RGBA{
				R: m.Data[rowIndex],
				G: m.Data[rowIndex+1],
				B: m.Data[rowIndex+2],
				A: m.Data[rowIndex+3],
			})
			rowIndex += 4
		}
	}
	return outImg, nil
}

// WritePNG saves the last rendered color channel to filename.
func (s *Session) WritePNG(filename string) error {
	m, err := s.MapColorChannel()
	if err != nil {
		return err
	}
	outImg, err := ColorImage(m)
	if unmapErr := s.UnmapColorChannel(); unmapErr != nil {
		return errors.CombineErrors(err, unmapErr)
	}
	if err != nil {
		return err
	}

	writeFile, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(writeFile, outImg); err != nil {
		_ = writeFile.Close()
		return errors.Wrapf(err, "encode %s", filename)
	}
	return writeFile.Close()
}
