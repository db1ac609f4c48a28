package examples

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/scriptrun"
)

// Scripts returns the bundled operational scripts.
func Scripts() []*scriptrun.Script {
	return []*scriptrun.Script{envReport(), seedAccounts()}
}

// RegisterScripts adds every example script under RootFolder.
func RegisterScripts(scripts *catalog.Registry[*scriptrun.Script]) error {
	for _, script := range Scripts() {
		if err := script.Register(scripts, RootFolder); err != nil {
			return err
		}
	}
	return nil
}

// envReport describes the environment a run would be primed with, without calling it.
func envReport() *scriptrun.Script {
	return scriptrun.NewScript("env_report", "examples.ops").
		Describe("Reports the host and user of an environment").
		Param("host", "env:host").
		Tags("offline").
		Run(func(sc *scriptrun.ScriptContext) (interface{}, error) {
			host, err := url.Parse(sc.Params["host"])
			if err != nil {
				return nil, errors.WithStack(err)
			}
			user, err := sc.Env("user")
			if err != nil {
				return nil, err
			}
			if _, err := sc.Env("password"); err != nil {
				sc.Log("No password configured for %s", user)
			}
			sc.Log("Environment points at %s", host.Host)
			return map[string]interface{}{"scheme": host.Scheme, "host": host.Host, "user": user}, nil
		})
}

// seedAccounts yields one row per account it would create. Account numbers in the comma separated fail
// param are reported as errors.
func seedAccounts() *scriptrun.Script {
	return scriptrun.NewScript("seed_accounts", "examples.ops").
		Describe("Yields the accounts a seed would create").
		RequiredParam("count").
		Param("fail", "").
		Tags("offline").
		Run(func(sc *scriptrun.ScriptContext) (interface{}, error) {
			count, err := strconv.Atoi(sc.Params["count"])
			if err != nil || count <= 0 {
				return nil, errors.Errorf("count must be a positive number, got %q", sc.Params["count"])
			}
			failed := map[string]bool{}
			for _, n := range strings.Split(sc.Params["fail"], ",") {
				failed[strings.TrimSpace(n)] = true
			}
			for i := 1; i <= count; i++ {
				var row interface{} = map[string]interface{}{"account": i, "name": "seed-" + strconv.Itoa(i)}
				if failed[strconv.Itoa(i)] {
					row = errors.Errorf("account %d is locked", i)
				}
				if err := sc.Yield(row); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
}
