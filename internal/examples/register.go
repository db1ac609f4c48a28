package examples

import (
	"github.com/fireflyhq/firefly/internal/catalog"
	"github.com/fireflyhq/firefly/internal/loadtest"
	"github.com/fireflyhq/firefly/internal/testrun"
)

// Register adds every example suite and load test under RootFolder.
func Register(suites *catalog.Registry[*testrun.Executable], loadTests *catalog.Registry[*loadtest.Definition]) error {
	for _, suite := range Suites() {
		if err := suite.Register(suites, RootFolder); err != nil {
			return err
		}
	}
	for _, def := range LoadTests() {
		if err := def.Register(loadTests, RootFolder); err != nil {
			return err
		}
	}
	return nil
}
