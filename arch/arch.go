// Package arch describes network architectures as data. It has no tensor
// dependency so layer plans can be inspected and tested on their own.
package arch

import (
	"errors"
	"fmt"
)

// MP marks a 2x2, stride 2 max-pool in a layer table.
const MP = -1

// VGG16 is the feature-extractor table: channel widths with pool markers.
var VGG16 = []int{64, 64, MP, 128, 128, MP, 256, 256, 256, MP, 512, 512, 512, MP, 512, 512, 512, MP}

// Resnet18FeatureDim is the width of resnet18's pooled embedding.
const Resnet18FeatureDim = 512

var ErrBadTable = errors.New("bad layer table")

type Kind int

const (
	Conv Kind = iota
	Pool
)

func (k Kind) String() string {
	switch k {
	case Conv:
		return "conv3x3-bn-relu6"
	case Pool:
		return "maxpool2x2"
	}
	return "unknown"
}

// Layer is one expanded entry of a table. For Pool, In == Out.
type Layer struct {
	Kind Kind
	In   int
	Out  int
}

// Plan expands a table starting from inChannels input channels.
func Plan(table []int, inChannels int) ([]Layer, error) {
	if inChannels <= 0 {
		return nil, fmt.Errorf("%w: %d input channels", ErrBadTable, inChannels)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadTable)
	}

	layers := make([]Layer, 0, len(table))
	c := inChannels
	for i, v := range table {
		switch {
		case v == MP:
			layers = append(layers, Layer{Kind: Pool, In: c, Out: c})
		case v > 0:
			layers = append(layers, Layer{Kind: Conv, In: c, Out: v})
			c = v
		default:
			return nil, fmt.Errorf("%w: entry %d is %d", ErrBadTable, i, v)
		}
	}
	return layers, nil
}

// FeatureDim is the flattened size of the extractor output for a square
// input of imageSize pixels.
func FeatureDim(table []int, inChannels, imageSize int) (int, error) {
	layers, err := Plan(table, inChannels)
	if err != nil {
		return 0, err
	}
	side := imageSize
	for _, l := range layers {
		if l.Kind != Pool {
			continue
		}
		if side%2 != 0 || side < 2 {
			return 0, fmt.Errorf("%w: image size %d does not survive the pools", ErrBadTable, imageSize)
		}
		side /= 2
	}
	last := layers[len(layers)-1].Out
	return last * side * side, nil
}

// Counts returns the number of conv and pool layers in a plan.
func Counts(layers []Layer) (convs, pools int) {
	for _, l := range layers {
		if l.Kind == Conv {
			convs++
		} else {
			pools++
		}
	}
	return
}
