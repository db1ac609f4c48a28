package loadtest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/rediscodec"
	"github.com/fireflyhq/firefly/internal/common/util"
)

// Values are bucketed per minute.
const minuteLayout = "2006-01-02 15:04"

// Box is the five number summary of the values of one bucket.
type Box struct {
	Min    float64
	Q1     float64
	Median float64
	Q3     float64
	Max    float64
}

func (b Box) values() [5]float64 {
	return [5]float64{b.Min, b.Q1, b.Median, b.Q3, b.Max}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Quartiles summarises values. The lower and upper quartiles are the medians of the lower and upper
// halves, excluding the median itself when the number of values is odd.
func Quartiles(values []float64) Box {
	if len(values) == 0 {
		return Box{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n == 1 {
		return Box{Min: sorted[0], Q1: sorted[0], Median: sorted[0], Q3: sorted[0], Max: sorted[0]}
	}
	return Box{
		Min:    sorted[0],
		Q1:     median(sorted[:n/2]),
		Median: median(sorted),
		Q3:     median(sorted[(n+1)/2:]),
		Max:    sorted[n-1],
	}
}

func chartKey(loadTestID, executionID, name, suffix string) string {
	return fmt.Sprintf("load_test:%s:%s:charts:%s:%s", loadTestID, executionID, name, suffix)
}

// BoxPlot collects the values of one chart of an execution and publishes the summary of the current
// minute after every update.
type BoxPlot struct {
	db          redis.UniversalClient
	public      *PublicChannel
	clock       util.Clock
	retention   time.Duration
	loadTestID  string
	executionID string
	name        string
}

func (b *BoxPlot) Name() string {
	return b.name
}

func (b *BoxPlot) Update(ctx *fireflycontext.Context, value float64) error {
	minute := b.clock.Now().UTC().Format(minuteLayout)
	dataKey := chartKey(b.loadTestID, b.executionID, b.name, "data:"+minute)
	var data *redis.StringSliceCmd
	if _, err := b.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, dataKey, strconv.FormatFloat(value, 'f', -1, 64))
		pipe.PExpire(ctx, dataKey, b.retention)
		data = pipe.LRange(ctx, dataKey, 0, -1)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "error adding to chart %s", b.name)
	}
	values := make([]float64, 0, len(data.Val()))
	for _, raw := range data.Val() {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid value in chart %s", b.name)
		}
		values = append(values, v)
	}

	box := Quartiles(values)
	encoded, err := rediscodec.EncodeField(box.values())
	if err != nil {
		return err
	}
	currentKey := chartKey(b.loadTestID, b.executionID, b.name, "current")
	if _, err := b.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, currentKey, minute, encoded)
		pipe.PExpire(ctx, currentKey, b.retention)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "error storing chart %s", b.name)
	}
	summary := box.values()
	return b.public.Chart(ctx, b.loadTestID, b.executionID, b.name,
		[]interface{}{minute, summary[0], summary[1], summary[2], summary[3], summary[4]})
}

// ChartData returns the summary of every minute of a chart.
func ChartData(ctx *fireflycontext.Context, db redis.UniversalClient, loadTestID, executionID, name string) (map[string]Box, error) {
	values, err := db.HGetAll(ctx, chartKey(loadTestID, executionID, name, "current")).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading chart %s", name)
	}
	boxes := make(map[string]Box, len(values))
	for minute, raw := range values {
		var summary [5]float64
		if err := rediscodec.DecodeField(raw, &summary); err != nil {
			return nil, errors.WithMessagef(err, "chart %s at %s", name, minute)
		}
		boxes[minute] = Box{Min: summary[0], Q1: summary[1], Median: summary[2], Q3: summary[3], Max: summary[4]}
	}
	return boxes, nil
}
