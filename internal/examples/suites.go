// Package examples holds the suites and load tests shipped with the firefly binary. They exercise the
// engine against the environments of the configuration without needing a system under test.
package examples

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/util"
	"github.com/fireflyhq/firefly/internal/testrun"
)

const RootFolder = "examples"

// settingsSuite checks that the selected environment is usable.
func settingsSuite() *testrun.Suite {
	return testrun.NewSuite("SettingsSuite", "examples.smoke").
		Tags("smoke").
		GroupSetup(func(ctx *testrun.StageContext) error {
			ctx.Generate("session", util.NewULID())
			return nil
		}).
		Case("test_host_is_url", func(ctx *testrun.StageContext) error {
			host, err := ctx.Env("host")
			if err != nil {
				return err
			}
			return ctx.Step("parse host", func() error {
				parsed, err := url.Parse(host)
				if err != nil {
					return errors.WithStack(err)
				}
				if parsed.Scheme == "" || parsed.Host == "" {
					return errors.Errorf("host %q is not an absolute url", host)
				}
				return nil
			})
		}, testrun.WithDescription("The host setting is an absolute url")).
		Case("test_credentials", func(ctx *testrun.StageContext) error {
			if _, err := ctx.Env("password"); err != nil {
				return err
			}
			if strings.TrimSpace(ctx.Params["user"]) == "" {
				return errors.New("user must not be empty")
			}
			return nil
		}, testrun.WithIterations(
			testrun.Iteration{Name: "configured_user", Params: map[string]string{"user": "env:user"}},
			testrun.Iteration{Name: "guest", Params: map[string]string{"user": "guest"}},
		))
}

type cart struct {
	mutex sync.Mutex
	items map[string]int
}

func (c *cart) add(item string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items[item]++
}

func (c *cart) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	total := 0
	for _, n := range c.items {
		total += n
	}
	return total
}

// cartSuite runs cases concurrently against one in-memory cart shared through the group stages.
func cartSuite() *testrun.Suite {
	var shared *cart
	base := testrun.NewSuite("BaseShopSuite", "examples.shop").
		RunConfig("items", "3").
		GroupSetup(func(ctx *testrun.StageContext) error {
			shared = &cart{items: map[string]int{}}
			return nil
		})
	return testrun.NewSuite("CartSuite", "examples.shop").
		Extend(base).
		Tags("shop").
		Setup(func(ctx *testrun.StageContext) error {
			ctx.Generate("started_at", time.Now().UTC().Format(time.RFC3339))
			return nil
		}).
		Case("test_concurrent_adds", func(ctx *testrun.StageContext) error {
			return ctx.WithLimiter("cart", 2, func() error {
				for i := 0; i < 10; i++ {
					shared.add("socks")
				}
				return nil
			})
		}, testrun.WithIterations(
			testrun.Iteration{Name: "first_shopper"},
			testrun.Iteration{Name: "second_shopper"},
		)).
		Case("test_isolated_checkout", func(ctx *testrun.StageContext) error {
			if ctx.RunConfig["items"] == "" {
				ctx.Warn("no item count configured")
			}
			// One receipt printer serves every process running the suite.
			return ctx.WithSemaphore("receipt-printer", 1, func() error {
				ctx.Asset("receipt", "text", "receipts/"+ctx.UnitID+".txt")
				return nil
			})
		}, testrun.Isolated()).
		GroupTeardown(func(ctx *testrun.StageContext) error {
			if shared == nil {
				return nil
			}
			ctx.Infof("Cart held %d items", shared.count())
			return nil
		})
}

func Suites() []*testrun.Suite {
	return []*testrun.Suite{settingsSuite(), cartSuite()}
}
