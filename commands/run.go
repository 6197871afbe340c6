package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
	"github.com/ByteMirror/swarm/monitoring"
	"github.com/ByteMirror/swarm/plansync"
	"github.com/ByteMirror/swarm/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	runDirFlag       string
	metricsAddrFlag  string
	preflightCmdFlag string
)

// RunCmd runs the automation runtime for a project until interrupted.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run background automation for a project",
	Long: `Run background automation for a project until interrupted.
The plan file under .swarm/ is watched and re-synced on change. When the active
phase of the plan advances and phase_preflight is enabled, the preflight command
is run with the plan and phase ids in its environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Initialize(true)
		defer log.Close()

		dir, err := projectDir(runDirFlag)
		if err != nil {
			return err
		}
		cfg := loadProjectConfig(dir)
		if metricsAddrFlag != "" {
			cfg.Observability.MetricsAddr = metricsAddrFlag
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runAutomation(ctx, dir, cfg, preflightCmdFlag)
	},
}

func init() {
	RunCmd.Flags().StringVarP(&runDirFlag, "dir", "d", "", "Project directory (default: current directory)")
	RunCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	RunCmd.Flags().StringVar(&preflightCmdFlag, "preflight-cmd", "",
		"Shell command run when the plan enters a new phase")
}

// runAutomation wires the manager with plan sync, preflight, metrics and
// tracing, and blocks until ctx is done.
func runAutomation(ctx context.Context, dir string, cfg *config.Config, preflightCmd string) error {
	shutdownTracing := telemetry.Setup(cfg.Observability)
	defer shutdownTracing()

	m := automation.New(cfg)
	defer m.Close()

	if !m.Enabled() {
		fmt.Println(warnStyle.Render("Automation is disabled by config (mode " + string(cfg.Automation.Mode) + ")."))
		return nil
	}

	if m.HasCapability(config.CapabilityPlanSync) {
		w, err := automation.NewPlanSync(m, plansync.Config{Directory: dir})
		if err != nil {
			return fmt.Errorf("failed to set up plan sync: %w", err)
		}
		fmt.Println(dimStyle.Render("watching " + w.Path()))
	}

	if m.HasCapability(config.CapabilityPhasePreflight) {
		if preflightCmd == "" {
			log.WarningLog.Printf("phase_preflight enabled but no --preflight-cmd given, phase boundaries will only be logged")
		}
		t, err := automation.NewPreflightTrigger(m, shellRunner(dir, preflightCmd))
		if err != nil {
			return fmt.Errorf("failed to set up preflight: %w", err)
		}
		defer t.Close()
	}

	collector := monitoring.NewCollector(prometheus.NewRegistry())
	detach := collector.Attach(m.Bus())
	defer detach()

	if err := m.Start(ctx); err != nil {
		if errors.Is(err, automation.ErrAutomationDisabled) {
			return nil
		}
		return err
	}

	go collector.Run(ctx, m, 5*time.Second)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				log.ErrorLog.Printf("metrics server: %v", err)
			}
		}()
	}

	fmt.Println(okStyle.Render(fmt.Sprintf("Automation running (mode %s). Press Ctrl+C to stop.", cfg.Automation.Mode)))
	<-ctx.Done()
	fmt.Println(titleStyle.Render("Stopping automation..."))
	return m.Stop()
}
