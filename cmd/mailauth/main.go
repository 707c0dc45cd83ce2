// Command mailauth evaluates SPF, DKIM and DMARC for a message, once from
// the command line or as an HTTP service.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("execution failed")
		os.Exit(1)
	}
}
