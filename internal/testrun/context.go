package testrun

import (
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/lease"
	"github.com/fireflyhq/firefly/internal/model"
)

const redacted = "******"

type stepNode struct {
	step     model.Step
	children []*stepNode
}

func (n *stepNode) toSteps() []model.Step {
	steps := make([]model.Step, len(n.children))
	for i, child := range n.children {
		steps[i] = child.step
		steps[i].Inner = child.toSteps()
	}
	return steps
}

// accumulator collects what the hooks of a stage produce until the stage result is recorded.
type accumulator struct {
	mutex     sync.Mutex
	envUsed   map[string]string
	warnings  []string
	generated map[string]string
	assets    map[string]model.Asset
	root      *stepNode
	stack     []*stepNode
}

func newAccumulator() *accumulator {
	a := &accumulator{}
	a.flush()
	a.resetSteps()
	return a
}

// flush returns the side data gathered so far and clears it.
func (a *accumulator) flush() model.SideData {
	side := model.SideData{EnvUsed: a.envUsed, Warnings: a.warnings, Assets: a.assets, Generated: a.generated}
	a.envUsed = map[string]string{}
	a.warnings = []string{}
	a.generated = map[string]string{}
	a.assets = map[string]model.Asset{}
	return side
}

func (a *accumulator) resetSteps() []model.Step {
	var steps []model.Step
	if a.root != nil {
		steps = a.root.toSteps()
	}
	a.root = &stepNode{}
	a.stack = []*stepNode{a.root}
	return steps
}

func (n *stepNode) clone() *stepNode {
	cloned := &stepNode{step: n.step}
	for _, child := range n.children {
		cloned.children = append(cloned.children, child.clone())
	}
	return cloned
}

// merge moves what other has gathered so far into a. The steps of other are nested under the step a is
// currently in. Whatever is written to other afterwards stays there.
func (a *accumulator) merge(other *accumulator) {
	other.mutex.Lock()
	steps := make([]*stepNode, len(other.root.children))
	for i, child := range other.root.children {
		steps[i] = child.clone()
	}
	side := other.flush()
	other.mutex.Unlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()
	parent := a.stack[len(a.stack)-1]
	parent.children = append(parent.children, steps...)
	a.warnings = append(a.warnings, side.Warnings...)
	for key, value := range side.EnvUsed {
		a.envUsed[key] = value
	}
	for name, value := range side.Generated {
		a.generated[name] = value
	}
	for name, asset := range side.Assets {
		a.assets[name] = asset
	}
}

// finishStage returns the steps and side data of the stage that just ended and prepares for the next one.
func (a *accumulator) finishStage() ([]model.Step, model.SideData) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.resetSteps(), a.flush()
}

// StageContext is handed to every hook. It carries the identity of the run and unit being executed and
// accumulates the side data the hook produces. Group stages get a context without a unit id.
type StageContext struct {
	*fireflycontext.Context
	RunID     string
	UnitID    string
	Params    map[string]string
	RunConfig map[string]string

	env        map[string]string
	secrets    []string
	limiters   *lease.Registry
	semaphores *lease.Semaphores
	side       *accumulator
}

// withContext returns a copy bound to ctx that shares the accumulated side data of c.
func (c *StageContext) withContext(ctx *fireflycontext.Context) *StageContext {
	bound := *c
	bound.Context = ctx
	return &bound
}

// Env returns the value of key in the run's environment and records that the unit read it. Secret values
// are recorded redacted.
func (c *StageContext) Env(key string) (string, error) {
	value, ok := c.env[key]
	if !ok {
		return "", &fireflyerrors.ErrNotFound{
			Type:    "environment value",
			Value:   key,
			Message: "it must be set in the environment settings",
		}
	}
	recorded := value
	if slices.Contains(c.secrets, key) {
		recorded = redacted
	}
	c.side.mutex.Lock()
	defer c.side.mutex.Unlock()
	c.side.envUsed[key] = recorded
	return value, nil
}

func (c *StageContext) Warn(message string) {
	c.Warnf("Unit warning: %s", message)
	c.side.mutex.Lock()
	defer c.side.mutex.Unlock()
	c.side.warnings = append(c.side.warnings, message)
}

// Generate records a value the hook produced, e.g. the name of an account it created.
func (c *StageContext) Generate(name, value string) {
	c.side.mutex.Lock()
	defer c.side.mutex.Unlock()
	c.side.generated[name] = value
}

func (c *StageContext) Asset(name, kind, path string) {
	c.side.mutex.Lock()
	defer c.side.mutex.Unlock()
	c.side.assets[name] = model.Asset{Name: name, Type: kind, Path: path}
}

// Step runs fn as a named step of the current stage. Steps nest when fn calls Step itself. A step that
// ends through cooperative cancellation is recorded as a success.
func (c *StageContext) Step(name string, fn func() error) error {
	node := &stepNode{step: model.Step{Name: name, Status: model.StatusPending}}
	c.side.mutex.Lock()
	parent := c.side.stack[len(c.side.stack)-1]
	parent.children = append(parent.children, node)
	c.side.stack = append(c.side.stack, node)
	c.side.mutex.Unlock()

	err := fn()

	c.side.mutex.Lock()
	defer c.side.mutex.Unlock()
	node.step.Status = Classify(err).Status()
	if i := slices.Index(c.side.stack, node); i > 0 {
		c.side.stack = c.side.stack[:i]
	}
	return err
}

// Limiter returns a limiter shared by every unit of the run, created with capacity on first use.
func (c *StageContext) Limiter(name string, capacity int64) *semaphore.Weighted {
	return c.limiters.Limiter(c.RunID, name, capacity)
}

// WithLimiter runs fn while holding one slot of the named run wide limiter.
func (c *StageContext) WithLimiter(name string, capacity int64, fn func() error) error {
	return c.limiters.WithLimiter(c.Context, c.RunID, name, capacity, fn)
}

// WithSemaphore runs fn while holding one slot of the named semaphore. Unlike WithLimiter the slots are
// shared with every run and every process using the same store.
func (c *StageContext) WithSemaphore(name string, capacity int, fn func() error) error {
	return c.semaphores.WithSemaphore(c.Context, name, capacity, fn)
}

// Mutex returns a mutex shared by every unit of the run.
func (c *StageContext) Mutex(name string) *sync.Mutex {
	return c.limiters.Mutex(c.RunID, name)
}
