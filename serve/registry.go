// Package serve exposes trained classifiers over HTTP.
package serve

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	sync "github.com/sasha-s/go-deadlock"

	"imgcls/predict"
)

// DefaultModelName is the model used by POST /inference.
const DefaultModelName = "default"

var ErrNoSuchModel = errors.New("no such model")

// Predictor classifies encoded images.
type Predictor interface {
	Name() string
	Predict(image []byte, k int) ([]predict.Prediction, error)
	Info() map[string]interface{}
}

type entry struct {
	p        Predictor
	refCount int32
}

// Registry holds the served predictors by name.
type Registry struct {
	models  map[string]*entry
	rwMutex sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*entry)}
}

// Add registers p under its name. The first model added also answers to
// DefaultModelName unless a model with that name exists.
func (r *Registry) Add(p Predictor) error {
	name := p.Name()
	if name == "" {
		return errors.New("empty model name")
	}

	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()
	if _, ok := r.models[name]; ok {
		return fmt.Errorf("duplicated model: %s", name)
	}
	e := &entry{p: p}
	r.models[name] = e
	if _, ok := r.models[DefaultModelName]; !ok {
		r.models[DefaultModelName] = e
	}
	return nil
}

// Remove drops a model that is not currently serving a request.
func (r *Registry) Remove(name string) error {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	e, ok := r.models[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchModel, name)
	}
	if n := atomic.LoadInt32(&e.refCount); n > 0 {
		return fmt.Errorf("currently in use: %s (%d)", name, n)
	}
	for k, v := range r.models {
		if v == e {
			delete(r.models, k)
		}
	}
	return nil
}

// Names lists the registered models, sorted, without the default alias.
func (r *Registry) Names() []string {
	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()

	names := []string{}
	for name, e := range r.models {
		if name == DefaultModelName && e.p.Name() != DefaultModelName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) get(name string) *entry {
	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()
	if e, ok := r.models[name]; ok {
		atomic.AddInt32(&e.refCount, 1)
		return e
	}
	return nil
}

func (r *Registry) put(e *entry) {
	atomic.AddInt32(&e.refCount, -1)
}

// Info describes a model, including how many requests are using it.
func (r *Registry) Info(name string) (map[string]interface{}, error) {
	e := r.get(name)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchModel, name)
	}
	defer r.put(e)

	info := map[string]interface{}{}
	for k, v := range e.p.Info() {
		info[k] = v
	}
	info["refCount"] = atomic.LoadInt32(&e.refCount) - 1
	return info, nil
}

func (r *Registry) Infer(name string, image []byte, k int) ([]predict.Prediction, error) {
	e := r.get(name)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchModel, name)
	}
	defer r.put(e)
	return e.p.Predict(image, k)
}
