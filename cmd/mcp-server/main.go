package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
	swarmmcp "github.com/ByteMirror/swarm/mcp"
	"github.com/ByteMirror/swarm/plansync"
)

var version = "0.1.0"

func main() {
	log.Initialize(false)
	defer log.Close()
	swarmmcp.SetLogger(log.InfoLog)

	dir := os.Getenv("SWARM_PROJECT_DIR")
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "swarm-mcp: failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		dir = wd
	}
	dir, _ = filepath.Abs(dir)

	m := automation.New(config.LoadConfig())
	defer m.Close()

	if m.HasCapability(config.CapabilityPlanSync) {
		if _, err := automation.NewPlanSync(m, plansync.Config{Directory: dir}); err != nil {
			log.WarningLog.Printf("plan sync disabled: %v", err)
		}
	}
	if err := m.Start(context.Background()); err != nil && !errors.Is(err, automation.ErrAutomationDisabled) {
		fmt.Fprintf(os.Stderr, "swarm-mcp: %v\n", err)
		os.Exit(1)
	}

	srv := swarmmcp.NewSwarmMCPServer(m, version)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "swarm-mcp: %v\n", err)
		os.Exit(1)
	}
	_ = m.Stop()
}
