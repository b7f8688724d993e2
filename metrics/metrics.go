package metrics

import (
	"gonum.org/v1/gonum/stat"
)

// Accuracy accumulates correct predictions over batches.
type Accuracy struct {
	correct int64
	total   int64
}

// Update adds one batch and returns that batch's accuracy.
func (a *Accuracy) Update(correct, total int64) float64 {
	a.correct += correct
	a.total += total
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// Compute is the accuracy over everything seen since the last Reset.
func (a *Accuracy) Compute() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *Accuracy) Total() int64 {
	return a.total
}

func (a *Accuracy) Reset() {
	a.correct, a.total = 0, 0
}

// Mean is a weighted running mean, typically of per-batch losses weighted by
// batch size.
type Mean struct {
	values  []float64
	weights []float64
}

func (m *Mean) Update(v, weight float64) {
	m.values = append(m.values, v)
	m.weights = append(m.weights, weight)
}

func (m *Mean) Compute() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return stat.Mean(m.values, m.weights)
}

func (m *Mean) Reset() {
	m.values = m.values[:0]
	m.weights = m.weights[:0]
}
