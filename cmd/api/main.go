// Command wafportal runs the WAF admin portal and its cluster sync engine.
package main

import (
	"os"

	"github.com/wafportal/backend/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log().WithError(err).Error("command failed")
		os.Exit(1)
	}
}
