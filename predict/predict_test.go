package predict

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1, 2, 3})
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Errorf("probabilities should sum to 1, got %v", sum)
	}
	if !(probs[2] > probs[1] && probs[1] > probs[0]) {
		t.Errorf("softmax should preserve order, got %v", probs)
	}

	// large logits must not overflow
	big := Softmax([]float32{1000, 1000})
	if big[0] != 0.5 || big[1] != 0.5 {
		t.Errorf("expected [0.5 0.5], got %v", big)
	}

	if Softmax(nil) != nil {
		t.Error("expected nil for empty input")
	}
}

func TestTopK(t *testing.T) {
	labels := []string{"burn", "crack", "normal"}

	preds, err := TopK(labels, []float32{0.1, 3, -1}, 2)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(preds))
	}
	if preds[0].Label != "crack" || preds[1].Label != "burn" {
		t.Errorf("unexpected ranking %+v", preds)
	}

	all, err := TopK(labels, []float32{0, 0, 0}, 0)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(all) != 3 || all[0].Label != "burn" {
		t.Errorf("ties should keep label order: %+v", all)
	}

	capped, _ := TopK(labels, []float32{0, 1, 2}, 10)
	if len(capped) != 3 {
		t.Errorf("expected k capped at 3, got %d", len(capped))
	}

	if _, err := TopK(labels, []float32{1}, 1); err == nil {
		t.Error("expected mismatch error")
	}
}
