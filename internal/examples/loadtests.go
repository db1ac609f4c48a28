package examples

import (
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/loadtest"
)

// thinkTime is a load test that needs no system under test: every iteration sleeps for a random time and
// records it.
func thinkTime() *loadtest.Definition {
	return loadtest.NewDefinition("think_time", "examples.load").
		Describe("Sleeps between 10 and max_ms milliseconds per iteration").
		Defaults(5, 4).
		Param("max_ms", "200").
		Chart("sleep_ms").
		Tags("offline").
		Work(func(tc *loadtest.TaskContext) error {
			maxMs, err := strconv.Atoi(tc.Params["max_ms"])
			if err != nil || maxMs <= 10 {
				return errors.Errorf("max_ms must be a number above 10, got %q", tc.Params["max_ms"])
			}
			d := time.Duration(10+rand.Intn(maxMs-10)) * time.Millisecond
			select {
			case <-tc.Done():
				return tc.Err()
			case <-time.After(d):
			}
			return tc.Observe("sleep_ms", float64(d.Milliseconds()))
		})
}

// httpBase validates the target url once per task and releases idle connections on teardown.
func httpBase(client *http.Client) *loadtest.Definition {
	return loadtest.NewDefinition("http_base", "examples.load").
		Param("url", "env:host").
		Setup(func(tc *loadtest.TaskContext) error {
			parsed, err := url.Parse(tc.Params["url"])
			if err != nil {
				return errors.WithStack(err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return errors.Errorf("url %q is not http", tc.Params["url"])
			}
			return nil
		}).
		Teardown(func(*loadtest.TaskContext) error {
			client.CloseIdleConnections()
			return nil
		})
}

// httpPing requests the host of the environment and charts the latency.
func httpPing() *loadtest.Definition {
	client := &http.Client{Timeout: 10 * time.Second}
	return loadtest.NewDefinition("http_ping", "examples.load").
		Extend(httpBase(client)).
		Describe("Requests the environment host and records the latency").
		Defaults(10, 8).
		RatePerSecond(20).
		Chart("latency_ms").
		Tags("http").
		Work(func(tc *loadtest.TaskContext) error {
			request, err := http.NewRequestWithContext(tc, http.MethodGet, tc.Params["url"], nil)
			if err != nil {
				return errors.WithStack(err)
			}
			started := time.Now()
			response, err := client.Do(request)
			if err != nil {
				if tc.Err() != nil {
					return tc.Err()
				}
				tc.WithError(err).Warn("Request failed")
				return nil
			}
			response.Body.Close()
			return tc.Observe("latency_ms", float64(time.Since(started).Milliseconds()))
		})
}

func LoadTests() []*loadtest.Definition {
	return []*loadtest.Definition{thinkTime(), httpPing()}
}
