package vision

import (
	"fmt"
	"image"
	"math/rand"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"

	"imgcls/data"
)

// Transform maps one image to another. Implementations never close their
// input; the pipeline owns intermediate mats.
type Transform interface {
	Apply(m gocv.Mat, rng *rand.Rand) (gocv.Mat, error)
}

// ResizeTransform is a bilinear resize. It runs the gotorch transformer on
// a copy, since that one resizes its input in place.
type ResizeTransform struct {
	Height, Width int
}

func Resize(height, width int) *ResizeTransform {
	return &ResizeTransform{Height: height, Width: width}
}

func (t *ResizeTransform) Apply(m gocv.Mat, _ *rand.Rand) (gocv.Mat, error) {
	return transforms.Resize(t.Height, t.Width).Run(m.Clone()), nil
}

// The crops and the flip below draw from the loader's per-batch rng rather
// than the global source used by their gotorch counterparts.

type RandomCropTransform struct {
	Height, Width int
}

func RandomCrop(height, width int) *RandomCropTransform {
	return &RandomCropTransform{Height: height, Width: width}
}

func (t *RandomCropTransform) Apply(m gocv.Mat, rng *rand.Rand) (gocv.Mat, error) {
	r, err := data.RandomCropRect(m.Cols(), m.Rows(), t.Width, t.Height, rng)
	if err != nil {
		return gocv.Mat{}, err
	}
	return crop(m, r), nil
}

type CenterCropTransform struct {
	Height, Width int
}

func CenterCrop(height, width int) *CenterCropTransform {
	return &CenterCropTransform{Height: height, Width: width}
}

func (t *CenterCropTransform) Apply(m gocv.Mat, _ *rand.Rand) (gocv.Mat, error) {
	r, err := data.CenterCropRect(m.Cols(), m.Rows(), t.Width, t.Height)
	if err != nil {
		return gocv.Mat{}, err
	}
	return crop(m, r), nil
}

func crop(m gocv.Mat, r image.Rectangle) gocv.Mat {
	region := m.Region(r)
	defer region.Close()
	return region.Clone()
}

type RandomHorizontalFlipTransform struct {
	P float64
}

func RandomHorizontalFlip(p float64) *RandomHorizontalFlipTransform {
	return &RandomHorizontalFlipTransform{P: p}
}

func (t *RandomHorizontalFlipTransform) Apply(m gocv.Mat, rng *rand.Rand) (gocv.Mat, error) {
	if rng.Float64() >= t.P {
		return m.Clone(), nil
	}
	dst := gocv.NewMat()
	gocv.Flip(m, &dst, 1)
	return dst, nil
}

// Pipeline runs the geometric steps on an RGB mat, then converts it to a
// normalized CHW float tensor.
type Pipeline struct {
	Steps     []Transform
	Mean, Std []float32
}

// TrainPipeline is Resize, RandomCrop, RandomHorizontalFlip, ToTensor, Normalize.
func TrainPipeline(size int, mean, std []float32) *Pipeline {
	return &Pipeline{
		Steps: []Transform{
			Resize(size, size),
			RandomCrop(size, size),
			RandomHorizontalFlip(0.5),
		},
		Mean: mean,
		Std:  std,
	}
}

// TestPipeline is Resize, CenterCrop, ToTensor, Normalize.
func TestPipeline(size int, mean, std []float32) *Pipeline {
	return &Pipeline{
		Steps: []Transform{
			Resize(size, size),
			CenterCrop(size, size),
		},
		Mean: mean,
		Std:  std,
	}
}

func (p *Pipeline) Tensor(img gocv.Mat, rng *rand.Rand) (torch.Tensor, error) {
	cur := img.Clone()
	for _, step := range p.Steps {
		next, err := step.Apply(cur, rng)
		cur.Close()
		if err != nil {
			return torch.Tensor{}, err
		}
		cur = next
	}
	defer cur.Close()

	t := transforms.ToTensor().Run(cur)
	return transforms.Normalize(p.Mean, p.Std).Run(t), nil
}

// LoadImage reads an image file as an RGB mat.
func LoadImage(fn string) (gocv.Mat, error) {
	bgr := gocv.IMRead(fn, gocv.IMReadColor)
	if bgr.Empty() {
		bgr.Close()
		return gocv.Mat{}, fmt.Errorf("cannot decode image %s", fn)
	}
	return toRGB(bgr), nil
}

// DecodeImage decodes an encoded image held in memory as an RGB mat.
func DecodeImage(buf []byte) (gocv.Mat, error) {
	bgr, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, err
	}
	if bgr.Empty() {
		bgr.Close()
		return gocv.Mat{}, fmt.Errorf("cannot decode image of %d bytes", len(buf))
	}
	return toRGB(bgr), nil
}

func toRGB(bgr gocv.Mat) gocv.Mat {
	defer bgr.Close()
	rgb := gocv.NewMat()
	gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)
	return rgb
}
