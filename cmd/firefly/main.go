package main

import (
	"os"

	"github.com/fireflyhq/firefly/cmd/firefly/cmd"
	"github.com/fireflyhq/firefly/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
