package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ByteMirror/swarm/plansync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	syncDirFlag  string
	syncJSONFlag bool
)

// SyncPlanCmd runs one plan sync and prints the result.
var SyncPlanCmd = &cobra.Command{
	Use:   "sync-plan",
	Short: "Sync the project plan once and print it",
	Long: `Read .swarm/plan.json (JSON or YAML) through the plan sync worker once and
print the parsed plan. Useful to check a plan file before running automation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := projectDir(syncDirFlag)
		if err != nil {
			return err
		}
		plan, err := syncPlanOnce(cmd.Context(), dir)
		if err != nil {
			return err
		}
		if plan == nil {
			fmt.Println(warnStyle.Render("No plan file at " + planPath(dir)))
			return nil
		}
		if syncJSONFlag {
			return writePlanJSON(cmd.OutOrStdout(), plan)
		}
		fmt.Print(renderPlan(plan))
		return nil
	},
}

func init() {
	SyncPlanCmd.Flags().StringVarP(&syncDirFlag, "dir", "d", "", "Project directory (default: current directory)")
	SyncPlanCmd.Flags().BoolVar(&syncJSONFlag, "json", false, "Print the plan as JSON instead of a summary")
	SyncPlanCmd.AddCommand(exportPlanCmd)
}

var exportPlanCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the plan as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := projectDir(syncDirFlag)
		if err != nil {
			return err
		}
		plan, err := syncPlanOnce(cmd.Context(), dir)
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("no plan file at %s", planPath(dir))
		}
		return writePlanYAML(cmd.OutOrStdout(), plan)
	},
}

// syncPlanOnce starts a short-lived worker, syncs, and disposes it.
func syncPlanOnce(ctx context.Context, dir string) (*plansync.Plan, error) {
	w, err := plansync.NewWorker(plansync.Config{
		Directory: dir,
		Sync:      plansync.FileSync(plansync.DefaultSubDir, plansync.DefaultFileName),
	})
	if err != nil {
		return nil, err
	}
	defer w.Dispose()

	w.Start()
	if err := w.SyncNow(ctx); err != nil {
		return nil, fmt.Errorf("plan sync failed: %w", err)
	}
	return w.LastPlan(), nil
}

func writePlanJSON(out io.Writer, plan *plansync.Plan) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func writePlanYAML(out io.Writer, plan *plansync.Plan) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return err
	}
	return enc.Close()
}
