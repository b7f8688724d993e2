package data

import (
	"fmt"
	"image"
	"math"
	"math/rand"
)

// CenterCropRect returns the w x h window centred in a width x height image.
// Odd margins round half to even, as torchvision does.
func CenterCropRect(width, height, w, h int) (image.Rectangle, error) {
	if w > width || h > height {
		return image.Rectangle{}, fmt.Errorf("crop %dx%d larger than image %dx%d", w, h, width, height)
	}
	x := int(math.RoundToEven(float64(width-w) / 2))
	y := int(math.RoundToEven(float64(height-h) / 2))
	return image.Rect(x, y, x+w, y+h), nil
}

// RandomCropRect returns a uniformly placed w x h window inside a width x
// height image. Equal sizes give the whole image.
func RandomCropRect(width, height, w, h int, rng *rand.Rand) (image.Rectangle, error) {
	if w > width || h > height {
		return image.Rectangle{}, fmt.Errorf("crop %dx%d larger than image %dx%d", w, h, width, height)
	}
	if w == width && h == height {
		return image.Rect(0, 0, width, height), nil
	}
	x := rng.Intn(width - w + 1)
	y := rng.Intn(height - h + 1)
	return image.Rect(x, y, x+w, y+h), nil
}
