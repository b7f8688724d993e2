// Package predict turns classifier logits into ranked labels.
package predict

import (
	"fmt"
	"math"
	"sort"
)

// DefaultTopK covers every class of the default three-class problem.
const DefaultTopK = 3

type Prediction struct {
	Label string  `json:"label"`
	Prob  float32 `json:"probability"`
}

// Softmax is numerically stable: the max logit is subtracted first.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// TopK ranks labels by softmax probability. k <= 0 means DefaultTopK; k is
// capped at the number of labels. Ties keep label order.
func TopK(labels []string, logits []float32, k int) ([]Prediction, error) {
	if len(labels) != len(logits) {
		return nil, fmt.Errorf("the number of labels(%d) and logits(%d) does not match", len(labels), len(logits))
	}

	probs := Softmax(logits)
	preds := make([]Prediction, len(labels))
	for i := range labels {
		preds[i] = Prediction{Label: labels[i], Prob: probs[i]}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Prob > preds[j].Prob
	})

	if k <= 0 {
		k = DefaultTopK
	}
	if k > len(preds) {
		k = len(preds)
	}
	return preds[:k], nil
}
