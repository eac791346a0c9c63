// Command fcs is the operator CLI for the flexure compensation system:
// reference capture, zeroing, tracking, auto-display, and the status
// server.
package main

import (
	"log"
	"os"

	"github.com/wmko/deifcs/fcs/config"
)

func main() {
	log.SetFlags(log.LstdFlags)
	cfgPath := os.Getenv("FCSCONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("cannot load configuration %s: %v", cfgPath, err)
	}
	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
