package loadtest

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

func TestDefinition_Inheritance(t *testing.T) {
	base := NewDefinition("base", "web.load").
		Defaults(5, 3).
		Work(idle).
		Chart("latency").
		Param("user", "admin").
		Param("url", "env:base_url").
		Tags("smoke")
	derived := NewDefinition("checkout", "web.load").
		Extend(base).
		Chart("errors").
		Chart("latency").
		Param("user", "shopper").
		Tags("checkout")

	assert.Equal(t, []*Definition{base, derived}, derived.lineage())
	assert.NotNil(t, derived.workFunc())
	assert.Equal(t, 5, derived.PerWorker())
	assert.Equal(t, 3, derived.MaxWorkers())
	assert.Equal(t, []string{"errors", "latency"}, derived.chartNames())
	assert.Equal(t, map[string]string{"user": "shopper", "url": "env:base_url"}, derived.defaultParams())

	registry := catalog.NewRegistry[*Definition]()
	require.NoError(t, derived.Register(registry, rootFolder))
	defs, err := registry.ListUnits(testContext(t), catalog.Filter{RootFolder: rootFolder})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "checkout", defs[0].ID)
	assert.Equal(t, []string{"checkout", "smoke"}, defs[0].Tags)
}

func TestDefinition_Defaults(t *testing.T) {
	def := NewDefinition("checkout", "web.load").Work(idle)
	assert.Equal(t, defaultPerWorker, def.PerWorker())
	assert.Equal(t, defaultMaxWorkers, def.MaxWorkers())
}

func TestDefinition_RegisterRequiresWork(t *testing.T) {
	registry := catalog.NewRegistry[*Definition]()
	err := NewDefinition("checkout", "web.load").Register(registry, rootFolder)
	assert.IsType(t, &fireflyerrors.ErrInvalidArgument{}, err)
}

func TestPrimeParams(t *testing.T) {
	env := map[string]string{"base_url": "http://localhost:8080"}

	params, err := primeParams(
		map[string]string{"url": "env:base_url", "user": "admin"},
		map[string]string{"user": "shopper"},
		env,
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": "http://localhost:8080", "user": "shopper"}, params)

	_, err = primeParams(map[string]string{"token": "env:token"}, nil, env)
	assert.IsType(t, &fireflyerrors.ErrNotFound{}, err)
}

func TestCall_RecoversPanics(t *testing.T) {
	tc := &TaskContext{TaskID: "0:0"}
	err := call(func(*TaskContext) error {
		panic("boom")
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in task 0:0: boom")

	expected := errors.New("failed")
	assert.Equal(t, expected, call(func(*TaskContext) error { return expected }, tc))
}
