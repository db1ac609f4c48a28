package testrun

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/model"
)

// HookFunc is the body of a lifecycle hook or of a case.
type HookFunc func(ctx *StageContext) error

type Iteration struct {
	Name   string
	Params map[string]string
}

type testCase struct {
	name        string
	fn          HookFunc
	description string
	iterations  []Iteration
	isolated    bool
	tags        []string
}

type CaseOption func(c *testCase)

// WithIterations runs the case once per iteration instead of once.
func WithIterations(iterations ...Iteration) CaseOption {
	return func(c *testCase) {
		c.iterations = append(c.iterations, iterations...)
	}
}

func WithDescription(description string) CaseOption {
	return func(c *testCase) {
		c.description = description
	}
}

func WithTags(tags ...string) CaseOption {
	return func(c *testCase) {
		c.tags = append(c.tags, tags...)
	}
}

// Isolated runs every iteration of the case through the isolated executor.
func Isolated() CaseOption {
	return func(c *testCase) {
		c.isolated = true
	}
}

// Suite groups cases that share lifecycle hooks. Path is the dotted location of the suite, e.g.
// "web.checkout", and becomes the upper part of the group tree.
type Suite struct {
	name          string
	path          string
	base          *Suite
	groupSetup    HookFunc
	setup         HookFunc
	teardown      HookFunc
	groupTeardown HookFunc
	runConfig     map[string]string
	tags          []string
	cases         []*testCase
}

func NewSuite(name, path string) *Suite {
	return &Suite{name: name, path: path, runConfig: map[string]string{}}
}

func (s *Suite) Name() string {
	return s.name
}

func (s *Suite) Path() string {
	return s.path
}

func (s *Suite) GroupSetup(fn HookFunc) *Suite {
	s.groupSetup = fn
	return s
}

func (s *Suite) Setup(fn HookFunc) *Suite {
	s.setup = fn
	return s
}

func (s *Suite) Teardown(fn HookFunc) *Suite {
	s.teardown = fn
	return s
}

func (s *Suite) GroupTeardown(fn HookFunc) *Suite {
	s.groupTeardown = fn
	return s
}

// Extend makes s inherit the hooks, run config fields and tags of base. Inherited hooks run before the
// hooks of s in setup stages and after them in teardown stages.
func (s *Suite) Extend(base *Suite) *Suite {
	s.base = base
	return s
}

// RunConfig declares a field that a run may override, with its default value.
func (s *Suite) RunConfig(field, defaultValue string) *Suite {
	s.runConfig[field] = defaultValue
	return s
}

func (s *Suite) Tags(tags ...string) *Suite {
	s.tags = append(s.tags, tags...)
	return s
}

func (s *Suite) Case(name string, fn HookFunc, opts ...CaseOption) *Suite {
	c := &testCase{name: name, fn: fn}
	for _, opt := range opts {
		opt(c)
	}
	s.cases = append(s.cases, c)
	return s
}

// lineage returns the suite and its bases, most basic first.
func (s *Suite) lineage() []*Suite {
	var chain []*Suite
	for current := s; current != nil; current = current.base {
		chain = append([]*Suite{current}, chain...)
	}
	return chain
}

func (s *Suite) hooks() map[model.Stage][]HookFunc {
	hooks := map[model.Stage][]HookFunc{}
	add := func(stage model.Stage, fn HookFunc) {
		if fn != nil {
			hooks[stage] = append(hooks[stage], fn)
		}
	}
	lineage := s.lineage()
	for _, suite := range lineage {
		add(model.StageGroupSetup, suite.groupSetup)
		add(model.StageSetup, suite.setup)
	}
	for i := len(lineage) - 1; i >= 0; i-- {
		add(model.StageTeardown, lineage[i].teardown)
		add(model.StageGroupTeardown, lineage[i].groupTeardown)
	}
	return hooks
}

func (s *Suite) runConfigDefaults() map[string]string {
	defaults := map[string]string{}
	for _, suite := range s.lineage() {
		defaults = util.MergeMaps(defaults, suite.runConfig)
	}
	return defaults
}

func (s *Suite) allTags() []string {
	var tags []string
	for _, suite := range s.lineage() {
		tags = append(tags, suite.tags...)
	}
	return tags
}

// Executable is one registered iteration of a case, with the hooks of its suite resolved.
type Executable struct {
	Suite     *Suite
	Case      string
	Iteration Iteration
	fn        HookFunc
	hooks     map[model.Stage][]HookFunc
	defaults  map[string]string
}

func (e *Executable) Hooks(stage model.Stage) []HookFunc {
	if stage == model.StageCall {
		return []HookFunc{e.fn}
	}
	return e.hooks[stage]
}

// RunConfig returns the declared run config fields with overrides applied. Overrides for fields the
// suite does not declare are ignored.
func (e *Executable) RunConfig(overrides map[string]string) map[string]string {
	config := make(map[string]string, len(e.defaults))
	for field, value := range e.defaults {
		if override, ok := overrides[field]; ok {
			value = override
		}
		config[field] = value
	}
	return config
}

// BarrierKey identifies the suite whose group stages the executable shares.
func (e *Executable) BarrierKey() string {
	return e.Suite.path + "." + e.Suite.name
}

// Register adds every iteration of every case of the suite to registry under rootFolder.
func (s *Suite) Register(registry *catalog.Registry[*Executable], rootFolder string) error {
	if len(s.cases) == 0 {
		return &fireflyerrors.ErrInvalidArgument{Name: "cases", Value: s.name, Message: "suite has no cases"}
	}
	hooks := s.hooks()
	defaults := s.runConfigDefaults()
	suiteTags := s.allTags()
	for _, c := range s.cases {
		iterations := c.iterations
		if len(iterations) == 0 {
			iterations = []Iteration{{Name: c.name}}
		}
		for _, iteration := range iterations {
			tags := append(slices.Clone(suiteTags), c.tags...)
			slices.Sort(tags)
			tags = slices.Compact(tags)
			def := catalog.UnitDef{
				ID:          util.StableID(rootFolder, s.path, s.name, c.name, iteration.Name),
				RootFolder:  rootFolder,
				Path:        s.path,
				Suite:       s.name,
				Case:        c.name,
				Name:        iteration.Name,
				Description: c.description,
				Tags:        tags,
				Params:      maps.Clone(iteration.Params),
				Isolated:    c.isolated,
			}
			executable := &Executable{
				Suite:     s,
				Case:      c.name,
				Iteration: iteration,
				fn:        c.fn,
				hooks:     hooks,
				defaults:  defaults,
			}
			if err := registry.Register(def, executable); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupChain returns the ids of the groups a unit belongs to, outermost first: one per path segment, then
// the suite and the case.
func groupChain(def catalog.UnitDef) []string {
	var parts []string
	if def.Path != "" {
		parts = strings.Split(def.Path, ".")
	}
	parts = append(parts, def.Suite, def.Case)
	chain := make([]string, len(parts))
	for i := range parts {
		chain[i] = strings.Join(parts[:i+1], ".")
	}
	return chain
}

// buildGroups derives the group tree of a set of units. The deepest group of each unit lists it as a member.
func buildGroups(defs []catalog.UnitDef) ([]*model.Group, map[string][]string) {
	groups := map[string]*model.Group{}
	var order []string
	chains := make(map[string][]string, len(defs))
	for _, def := range defs {
		chain := groupChain(def)
		chains[def.ID] = chain
		for i, id := range chain {
			group, ok := groups[id]
			if !ok {
				name := id[strings.LastIndex(id, ".")+1:]
				group = &model.Group{ID: id, Name: name, Root: i == 0, Groups: []string{}, Units: []string{}}
				groups[id] = group
				order = append(order, id)
			}
			if i > 0 {
				parent := groups[chain[i-1]]
				if !slices.Contains(parent.Groups, id) {
					parent.Groups = append(parent.Groups, id)
				}
			}
			if i == len(chain)-1 {
				group.Units = append(group.Units, def.ID)
			}
		}
	}
	result := make([]*model.Group, len(order))
	for i, id := range order {
		result[i] = groups[id]
	}
	return result, chains
}
