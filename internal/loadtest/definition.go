package loadtest

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

const (
	defaultPerWorker  = 20
	defaultMaxWorkers = 10
)

// TaskFunc is a lifecycle hook of a load test task.
type TaskFunc func(*TaskContext) error

// Definition describes a load test: the hooks every task runs and the defaults an execution starts with.
// Definitions are built once and registered with a catalog, they must not be modified afterwards.
type Definition struct {
	id            string
	path          string
	description   string
	base          *Definition
	setup         TaskFunc
	teardown      TaskFunc
	work          TaskFunc
	perWorker     int
	maxWorkers    int
	ratePerSecond float64
	iterations    int
	charts        []string
	params        map[string]string
	tags          []string
}

func NewDefinition(id, path string) *Definition {
	return &Definition{id: id, path: path, params: map[string]string{}}
}

func (d *Definition) ID() string {
	return d.id
}

func (d *Definition) Describe(description string) *Definition {
	d.description = description
	return d
}

func (d *Definition) Setup(fn TaskFunc) *Definition {
	d.setup = fn
	return d
}

// Teardown registers fn to run once for every task whose setup at this level completed, including tasks
// interrupted by a stop command.
func (d *Definition) Teardown(fn TaskFunc) *Definition {
	d.teardown = fn
	return d
}

// Work sets the body of a task. It is called once per iteration until the task is stopped or the
// configured number of iterations is reached.
func (d *Definition) Work(fn TaskFunc) *Definition {
	d.work = fn
	return d
}

// Extend makes base the parent of d. Base setup runs before the setup of d and base teardown after it.
func (d *Definition) Extend(base *Definition) *Definition {
	d.base = base
	return d
}

func (d *Definition) Defaults(perWorker, maxWorkers int) *Definition {
	d.perWorker = perWorker
	d.maxWorkers = maxWorkers
	return d
}

// RatePerSecond bounds how often the tasks of one worker start an iteration, all tasks combined.
func (d *Definition) RatePerSecond(n float64) *Definition {
	d.ratePerSecond = n
	return d
}

// Iterations bounds the number of times each task calls its work function. Zero means until stopped.
func (d *Definition) Iterations(n int) *Definition {
	d.iterations = n
	return d
}

func (d *Definition) Chart(name string) *Definition {
	d.charts = append(d.charts, name)
	return d
}

func (d *Definition) Param(name, defaultValue string) *Definition {
	d.params[name] = defaultValue
	return d
}

func (d *Definition) Tags(tags ...string) *Definition {
	d.tags = append(d.tags, tags...)
	return d
}

// lineage returns the definitions d extends, base first, ending with d.
func (d *Definition) lineage() []*Definition {
	var lineage []*Definition
	for def := d; def != nil; def = def.base {
		lineage = append([]*Definition{def}, lineage...)
	}
	return lineage
}

func (d *Definition) workFunc() TaskFunc {
	for def := d; def != nil; def = def.base {
		if def.work != nil {
			return def.work
		}
	}
	return nil
}

func (d *Definition) PerWorker() int {
	for def := d; def != nil; def = def.base {
		if def.perWorker > 0 {
			return def.perWorker
		}
	}
	return defaultPerWorker
}

func (d *Definition) MaxWorkers() int {
	for def := d; def != nil; def = def.base {
		if def.maxWorkers > 0 {
			return def.maxWorkers
		}
	}
	return defaultMaxWorkers
}

func (d *Definition) chartNames() []string {
	var names []string
	for _, def := range d.lineage() {
		names = append(names, def.charts...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (d *Definition) defaultParams() map[string]string {
	params := map[string]string{}
	for _, def := range d.lineage() {
		for name, value := range def.params {
			params[name] = value
		}
	}
	return params
}

// Register adds the definition to registry under rootFolder.
func (d *Definition) Register(registry *catalog.Registry[*Definition], rootFolder string) error {
	if d.workFunc() == nil {
		return &fireflyerrors.ErrInvalidArgument{Name: "work", Value: d.id, Message: "load test has no work function"}
	}
	var tags []string
	for _, def := range d.lineage() {
		tags = append(tags, def.tags...)
	}
	slices.Sort(tags)
	def := catalog.UnitDef{
		ID:          d.id,
		RootFolder:  rootFolder,
		Path:        d.path,
		Name:        d.id,
		Description: d.description,
		Tags:        slices.Compact(tags),
		Params:      maps.Clone(d.defaultParams()),
	}
	return registry.Register(def, d)
}
