// Package catalog discovers executable unit definitions and caches their metadata in redis so that every
// process selecting units for a run sees the same listing.
package catalog

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

// UnitDef describes one executable unit without loading it.
type UnitDef struct {
	ID          string            `json:"id"`
	RootFolder  string            `json:"root_folder"`
	Path        string            `json:"file_path"`
	Suite       string            `json:"class_name"`
	Case        string            `json:"method_name"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Params      map[string]string `json:"params"`
	Isolated    bool              `json:"isolated"`
}

// Filter selects units. Empty fields match everything.
type Filter struct {
	RootFolder string
	IDs        []string
	Tags       []string
}

func (f Filter) matches(def UnitDef) bool {
	if f.RootFolder != "" && f.RootFolder != def.RootFolder {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, def.ID) {
		return false
	}
	if len(f.Tags) > 0 {
		for _, tag := range f.Tags {
			if slices.Contains(def.Tags, tag) {
				return true
			}
		}
		return false
	}
	return true
}

// Discovery lists unit definitions and loads the callable behind one of them.
type Discovery[T any] interface {
	ListUnits(ctx *fireflycontext.Context, filter Filter) ([]UnitDef, error)
	LoadUnit(ctx *fireflycontext.Context, id string) (T, error)
}

// Registry is an in-process Discovery that definitions register with at start up.
type Registry[T any] struct {
	mutex sync.RWMutex
	defs  []UnitDef
	units map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{units: map[string]T{}}
}

func (r *Registry[T]) Register(def UnitDef, unit T) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.units[def.ID]; ok {
		return &fireflyerrors.ErrAlreadyExists{Type: "unit", Value: def.ID, Message: def.Name}
	}
	r.defs = append(r.defs, def)
	r.units[def.ID] = unit
	return nil
}

// ListUnits returns matching definitions in registration order.
func (r *Registry[T]) ListUnits(_ *fireflycontext.Context, filter Filter) ([]UnitDef, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var defs []UnitDef
	for _, def := range r.defs {
		if filter.matches(def) {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func (r *Registry[T]) LoadUnit(_ *fireflycontext.Context, id string) (T, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	unit, ok := r.units[id]
	if !ok {
		var empty T
		return empty, &fireflyerrors.ErrNotFound{Type: "unit", Value: id}
	}
	return unit, nil
}

// RootFolders returns the distinct root folders of registered definitions.
func (r *Registry[T]) RootFolders() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	folders := map[string]bool{}
	for _, def := range r.defs {
		folders[def.RootFolder] = true
	}
	result := maps.Keys(folders)
	slices.Sort(result)
	return result
}
