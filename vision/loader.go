package vision

import (
	"context"
	"fmt"
	"math/rand"

	torch "github.com/wangkuiyi/gotorch"

	"imgcls/data"
)

type LoaderConfig struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	Seed      int64
	// MaxBatches truncates an epoch; 0 means all batches.
	MaxBatches int
}

type minibatch struct {
	data, label torch.Tensor
}

// Loader iterates over one epoch of a Folder in minibatches. Images are
// decoded and transformed by a pool of workers.
type Loader struct {
	folder  *data.Folder
	pipe    *Pipeline
	batches [][]int
	seed    int64

	cancel  context.CancelFunc
	results <-chan data.Result[minibatch]
	cur     minibatch
	err     error
}

func NewLoader(ctx context.Context, folder *data.Folder, pipe *Pipeline, c LoaderConfig) *Loader {
	rng := rand.New(rand.NewSource(c.Seed))
	batches := data.Limit(data.Batches(folder.Len(), c.BatchSize, c.Shuffle, rng), c.MaxBatches)

	ctx, cancel := context.WithCancel(ctx)
	l := &Loader{
		folder:  folder,
		pipe:    pipe,
		batches: batches,
		seed:    c.Seed,
		cancel:  cancel,
	}
	jobs := make([]int, len(batches))
	for i := range jobs {
		jobs[i] = i
	}
	l.results = data.Prefetch(ctx, jobs, c.Workers, l.load)
	return l
}

// Len is the number of minibatches in the epoch.
func (l *Loader) Len() int {
	return len(l.batches)
}

func (l *Loader) load(ctx context.Context, b int) (minibatch, error) {
	// per-batch rng keeps random augmentation independent of scheduling
	rng := rand.New(rand.NewSource(l.seed + int64(b) + 1))

	idxs := l.batches[b]
	images := make([]torch.Tensor, 0, len(idxs))
	labels := make([]int64, 0, len(idxs))
	for _, idx := range idxs {
		if err := ctx.Err(); err != nil {
			return minibatch{}, err
		}
		s := l.folder.Samples[idx]
		img, err := LoadImage(s.Path)
		if err != nil {
			return minibatch{}, err
		}
		t, err := l.pipe.Tensor(img, rng)
		img.Close()
		if err != nil {
			return minibatch{}, fmt.Errorf("transforming %s: %w", s.Path, err)
		}
		images = append(images, t)
		labels = append(labels, int64(s.Label))
	}

	return minibatch{
		data:  torch.Stack(images, 0),
		label: torch.NewTensor(labels),
	}, nil
}

// Scan advances to the next minibatch. It returns false at the end of the
// epoch or on error; check Err afterwards.
func (l *Loader) Scan() bool {
	if l.err != nil {
		return false
	}
	r, ok := <-l.results
	if !ok {
		return false
	}
	if r.Err != nil {
		l.err = r.Err
		return false
	}
	l.cur = r.Value
	return true
}

func (l *Loader) Minibatch() (torch.Tensor, torch.Tensor) {
	return l.cur.data, l.cur.label
}

func (l *Loader) Err() error {
	return l.err
}

// Close stops the workers and drains what they already produced.
func (l *Loader) Close() {
	l.cancel()
	for range l.results {
	}
}
