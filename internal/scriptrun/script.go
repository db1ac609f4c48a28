// Package scriptrun executes one-off operational scripts against an environment. An execution is created
// pending, prepared through guarded phases and then runs the script body. Intermediate results, log lines
// and the final result are streamed to a channel per execution and kept in the shared store, and every
// finished execution is archived in the history database.
package scriptrun

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

// RunFunc is the body of a script. The returned value, or the values it yielded, become the result of the
// execution.
type RunFunc func(*ScriptContext) (interface{}, error)

type TeardownFunc func(*ScriptContext) error

// Script is a registered script. Scripts are built once and registered with a catalog, they must not be
// modified afterwards.
type Script struct {
	id          string
	path        string
	description string
	run         RunFunc
	teardown    TeardownFunc
	params      map[string]string
	required    []string
	tags        []string
}

func NewScript(id, path string) *Script {
	return &Script{id: id, path: path, params: map[string]string{}}
}

func (s *Script) ID() string {
	return s.id
}

func (s *Script) Describe(description string) *Script {
	s.description = description
	return s
}

func (s *Script) Run(fn RunFunc) *Script {
	s.run = fn
	return s
}

// Teardown registers fn to run after the body, whether it succeeded or not.
func (s *Script) Teardown(fn TeardownFunc) *Script {
	s.teardown = fn
	return s
}

// Param declares a parameter with its default. A default starting with "env:" is resolved from the
// environment of the execution.
func (s *Script) Param(name, defaultValue string) *Script {
	s.params[name] = defaultValue
	return s
}

// RequiredParam declares a parameter every execution must set to a non empty value.
func (s *Script) RequiredParam(name string) *Script {
	s.params[name] = ""
	s.required = append(s.required, name)
	return s
}

func (s *Script) Tags(tags ...string) *Script {
	s.tags = append(s.tags, tags...)
	return s
}

// Register adds the script to registry under rootFolder.
func (s *Script) Register(registry *catalog.Registry[*Script], rootFolder string) error {
	if s.run == nil {
		return &fireflyerrors.ErrInvalidArgument{Name: "run", Value: s.id, Message: "script has no run function"}
	}
	tags := slices.Clone(s.tags)
	slices.Sort(tags)
	def := catalog.UnitDef{
		ID:          s.id,
		RootFolder:  rootFolder,
		Path:        s.path,
		Name:        s.id,
		Description: s.description,
		Tags:        slices.Compact(tags),
		Params:      maps.Clone(s.params),
	}
	return registry.Register(def, s)
}
