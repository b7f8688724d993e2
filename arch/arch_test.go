package arch

import (
	"errors"
	"testing"
)

func TestPlan_VGG16(t *testing.T) {
	layers, err := Plan(VGG16, 3)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	convs, pools := Counts(layers)
	if convs != 13 || pools != 5 {
		t.Errorf("expected 13 convs and 5 pools, got %d and %d", convs, pools)
	}
	if layers[0].In != 3 || layers[0].Out != 64 {
		t.Errorf("first conv should be 3->64, got %+v", layers[0])
	}

	// channels thread from one conv to the next
	c := 3
	for i, l := range layers {
		if l.In != c {
			t.Fatalf("layer %d (%s): expected input %d, got %d", i, l.Kind, c, l.In)
		}
		c = l.Out
	}
	if c != 512 {
		t.Errorf("expected 512 output channels, got %d", c)
	}
}

func TestFeatureDim(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{32, 512},
		{64, 2048},
		{224, 512 * 7 * 7},
	}
	for _, tt := range tests {
		got, err := FeatureDim(VGG16, 3, tt.size)
		if err != nil {
			t.Fatalf("FeatureDim(%d) error: %v", tt.size, err)
		}
		if got != tt.want {
			t.Errorf("FeatureDim(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}

	if _, err := FeatureDim(VGG16, 3, 48); !errors.Is(err, ErrBadTable) {
		t.Errorf("expected ErrBadTable for 48px input, got %v", err)
	}
}

func TestPlan_Invalid(t *testing.T) {
	if _, err := Plan(nil, 3); !errors.Is(err, ErrBadTable) {
		t.Errorf("expected ErrBadTable for empty table, got %v", err)
	}
	if _, err := Plan([]int{64, 0}, 3); !errors.Is(err, ErrBadTable) {
		t.Errorf("expected ErrBadTable for zero width, got %v", err)
	}
	if _, err := Plan(VGG16, 0); !errors.Is(err, ErrBadTable) {
		t.Errorf("expected ErrBadTable for zero input channels, got %v", err)
	}
}
