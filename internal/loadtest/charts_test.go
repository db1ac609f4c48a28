package loadtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/eventchannel"
)

func TestQuartiles(t *testing.T) {
	tests := map[string]struct {
		values   []float64
		expected Box
	}{
		"empty": {
			values:   nil,
			expected: Box{},
		},
		"single": {
			values:   []float64{4},
			expected: Box{Min: 4, Q1: 4, Median: 4, Q3: 4, Max: 4},
		},
		"odd": {
			values:   []float64{7, 1, 3, 5, 9},
			expected: Box{Min: 1, Q1: 2, Median: 5, Q3: 8, Max: 9},
		},
		"even": {
			values:   []float64{8, 2, 6, 4},
			expected: Box{Min: 2, Q1: 3, Median: 5, Q3: 7, Max: 8},
		},
		"two": {
			values:   []float64{10, 20},
			expected: Box{Min: 10, Q1: 10, Median: 15, Q3: 20, Max: 20},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Quartiles(tc.values))
		})
	}
}

func TestQuartiles_DoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Quartiles(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestBoxPlot_BucketsPerMinute(t *testing.T) {
	deps := newDependencies(t)
	clock := util.NewDummyClock(time.Date(2024, 3, 1, 10, 15, 5, 0, time.UTC))
	deps.Clock = clock
	s := newServices(deps)
	chart := s.chart("checkout", "exec-1", "latency")
	ctx := testContext(t)

	for _, v := range []float64{30, 10, 20} {
		require.NoError(t, chart.Update(ctx, v))
	}
	clock.Advance(time.Minute)
	require.NoError(t, chart.Update(ctx, 100))

	boxes, err := ChartData(ctx, deps.DB, "checkout", "exec-1", "latency")
	require.NoError(t, err)
	assert.Equal(t, map[string]Box{
		"2024-03-01 10:15": {Min: 10, Q1: 10, Median: 20, Q3: 30, Max: 30},
		"2024-03-01 10:16": {Min: 100, Q1: 100, Median: 100, Q3: 100, Max: 100},
	}, boxes)

	require.NoError(t, s.public.Close(ctx, "exec-1"))
	var published [][]interface{}
	err = deps.Channel.Listen(ctx, PublicChannelKey("exec-1"), func(payload []byte) error {
		message, err := eventchannel.UnmarshalMessage(payload)
		require.NoError(t, err)
		require.Equal(t, publicChartEvent, message.Type)
		var data chartMessage
		require.NoError(t, message.DecodeData(&data))
		assert.Equal(t, "latency", data.ChartName)
		published = append(published, data.Data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, published, 4)
	assert.Equal(t, []interface{}{"2024-03-01 10:15", 10.0, 10.0, 20.0, 30.0, 30.0}, published[2])
	assert.Equal(t, []interface{}{"2024-03-01 10:16", 100.0, 100.0, 100.0, 100.0, 100.0}, published[3])
}

func TestTaskContext_ObserveUndeclaredChart(t *testing.T) {
	tc := &TaskContext{TaskID: "0:0", charts: map[string]*BoxPlot{}}
	err := tc.Observe("latency", 1)
	assert.Error(t, err)
}
