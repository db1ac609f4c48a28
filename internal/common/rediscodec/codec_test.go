package rediscodec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/model"
)

func TestRunRoundTrip(t *testing.T) {
	run := model.Run{
		ID:         "01H0RUN",
		Status:     model.RunRunning,
		RootFolder: "web",
		Env:        "staging",
		UnitIDs:    []string{"a", "b"},
		GroupIDs:   []string{"suite", "suite.checkout"},
		RunConfig:  map[string]string{"browser": "chrome"},
		Error:      &model.StructuredError{Name: "TimeoutError", Message: "boom", Trace: "trace"},
		StartTime:  time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	values, err := Encode(run)
	require.NoError(t, err)
	assert.Equal(t, `"running"`, values["status"])

	stored := make(map[string]string, len(values))
	for k, v := range values {
		stored[k] = v.(string)
	}
	var decoded model.Run
	require.NoError(t, Decode(stored, &decoded))
	assert.Equal(t, run, decoded)
}

func TestUnitRoundTrip(t *testing.T) {
	unit := model.Unit{
		ID:       "abc",
		RunID:    "run",
		Name:     "login[1]",
		Groups:   []string{"web", "web.auth"},
		Status:   model.StatusFail,
		Warnings: []string{"slow"},
		Assets:   map[string]model.Asset{"shot": {Name: "shot", Type: "image", Path: "/tmp/shot.png"}},
		Errors: map[model.Stage][]model.StructuredError{
			model.StageCall: {{Name: "AssertionError", Message: "expected 1"}},
		},
	}
	values, err := Encode(unit)
	require.NoError(t, err)
	stored := make(map[string]string, len(values))
	for k, v := range values {
		stored[k] = v.(string)
	}
	var decoded model.Unit
	require.NoError(t, Decode(stored, &decoded))
	assert.Equal(t, unit, decoded)
}

func TestDecodeRejectsInvalidField(t *testing.T) {
	var run model.Run
	err := Decode(map[string]string{"status": "running"}, &run)
	assert.Error(t, err)
}

func TestEncodeRejectsNonObject(t *testing.T) {
	_, err := Encode([]string{"a"})
	assert.Error(t, err)
}

func TestFieldRoundTrip(t *testing.T) {
	value, err := EncodeField(model.StatusSuccess)
	require.NoError(t, err)
	var status model.Status
	require.NoError(t, DecodeField(value, &status))
	assert.Equal(t, model.StatusSuccess, status)
}
