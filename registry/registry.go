// Package registry keeps the templates created on the fly by running
// pipeline blocks. Nothing here is persisted: after a restart, the blocks that
// resume are expected to register their templates again.
package registry

import (
	"slices"
	"sync"

	"github.com/gammadia/nomadcloud/jobtemplate"
)

type Registry struct {
	mu     sync.Mutex
	clouds map[string]*templates
}

type templates struct {
	mu   sync.RWMutex
	list []*jobtemplate.JobTemplate
}

func New() *Registry {
	return &Registry{clouds: map[string]*templates{}}
}

func (r *Registry) forCloud(cloud string, create bool) *templates {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.clouds[cloud]
	if !ok && create {
		ts = &templates{}
		r.clouds[cloud] = ts
	}
	return ts
}

// Add appends a template to the cloud's list. Duplicates are kept.
func (r *Registry) Add(cloud string, t *jobtemplate.JobTemplate) {
	ts := r.forCloud(cloud, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.list = append(ts.list, t)
}

// Remove drops the first occurrence of t from the cloud's list.
// It reports whether anything was removed.
func (r *Registry) Remove(cloud string, t *jobtemplate.JobTemplate) bool {
	ts := r.forCloud(cloud, false)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	i := slices.Index(ts.list, t)
	if i < 0 {
		return false
	}
	ts.list = slices.Delete(ts.list, i, i+1)
	return true
}

// List returns a snapshot of the cloud's templates.
func (r *Registry) List(cloud string) []*jobtemplate.JobTemplate {
	ts := r.forCloud(cloud, false)
	if ts == nil {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return slices.Clone(ts.list)
}
