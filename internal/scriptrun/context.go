package scriptrun

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/lease"
)

const redacted = "******"

// ScriptContext is handed to the body and teardown of a script. It carries the identity of the execution,
// its validated params and the environment it runs against.
type ScriptContext struct {
	*fireflycontext.Context
	ScriptID    string
	ExecutionID string
	Params      map[string]string

	env        map[string]string
	secrets    []string
	semaphores *lease.Semaphores
	reporter   *Reporter

	mutex   sync.Mutex
	envUsed map[string]string
	yields  Multi
}

// Env returns the value of key in the environment of the execution and records that the script read it.
// Secret values are recorded redacted.
func (c *ScriptContext) Env(key string) (string, error) {
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
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.envUsed[key] = recorded
	return value, nil
}

// Log appends a line to the log of the execution and publishes it to observers. A line that cannot be
// recorded is only logged.
func (c *ScriptContext) Log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if err := c.reporter.addLog(c.Context, c.ScriptID, c.ExecutionID, line); err != nil {
		c.WithError(err).Warnf("Error recording script log line %q", line)
	}
}

// Yield publishes value as the next intermediate result. Once a script yields, its result is the list of
// everything it yielded, followed by the value it returns if that is not nil.
func (c *ScriptContext) Yield(value interface{}) error {
	c.mutex.Lock()
	position := len(c.yields)
	c.yields = append(c.yields, value)
	c.mutex.Unlock()
	return c.reporter.intermediate(c.Context, c.ScriptID, c.ExecutionID, position, value)
}

// WithSemaphore runs fn while holding one slot of the named semaphore shared with every process using the
// same store.
func (c *ScriptContext) WithSemaphore(name string, capacity int, fn func() error) error {
	return c.semaphores.WithSemaphore(c.Context, name, capacity, fn)
}

func (c *ScriptContext) usedEnv() map[string]string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return maps.Clone(c.envUsed)
}

func (c *ScriptContext) yielded() Multi {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return slices.Clone(c.yields)
}
