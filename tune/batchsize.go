package tune

import (
	"errors"
	"fmt"
)

var (
	ErrInitialBatch = errors.New("initial batch size does not fit")
	// ErrBatchTooBig marks a trial that ran out of memory. Trials wrap it
	// to ask for a smaller size; any other error aborts the search.
	ErrBatchTooBig = errors.New("batch too big")
)

type BatchScaler struct {
	// MaxTrials bounds the number of doublings.
	MaxTrials int
	// Limit caps the batch size, usually at the training set size.
	Limit int
}

// Scale doubles size while try succeeds and returns the largest size that
// passed. A try failing with ErrBatchTooBig, or panicking in the tensor
// runtime, ends the search. When the first size already fails, half of it
// is returned, or ErrInitialBatch if it cannot be halved. Other errors are
// returned as is.
func (b *BatchScaler) Scale(initial int, try func(size int) error) (int, error) {
	if initial <= 0 {
		return 0, fmt.Errorf("batch size %d: %w", initial, ErrInitialBatch)
	}
	size := initial
	if b.Limit > 0 && size > b.Limit {
		size = b.Limit
	}

	good := 0
	for trial := 0; trial < b.MaxTrials; trial++ {
		if err := safeTry(try, size); err != nil {
			if !errors.Is(err, ErrBatchTooBig) {
				return 0, err
			}
			if good > 0 {
				return good, nil
			}
			half := size / 2
			if half < 1 {
				return 0, fmt.Errorf("batch size %d: %v: %w", size, err, ErrInitialBatch)
			}
			return half, nil
		}
		good = size
		if b.Limit > 0 && size >= b.Limit {
			break
		}
		size *= 2
		if b.Limit > 0 && size > b.Limit {
			size = b.Limit
		}
	}
	if good == 0 {
		return size, nil
	}
	return good, nil
}

func safeTry(try func(int) error, size int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trial panicked: %v", r)
		}
	}()
	return try(size)
}
