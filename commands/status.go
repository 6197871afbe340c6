package commands

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/plansync"

	"github.com/spf13/cobra"
)

var statusDirFlag string

// StatusCmd prints the automation gating and the current plan phase.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show automation settings and the current plan phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := projectDir(statusDirFlag)
		if err != nil {
			return err
		}
		cfg := loadProjectConfig(dir)
		plan, planErr := plansync.LoadPlan(planPath(dir))
		fmt.Print(renderStatus(cfg, planPath(dir), plan, planErr))
		return nil
	},
}

func init() {
	StatusCmd.Flags().StringVarP(&statusDirFlag, "dir", "d", "", "Project directory (default: current directory)")
}

func renderStatus(cfg *config.Config, path string, plan *plansync.Plan, planErr error) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Automation") + "\n")
	if config.IsAutomationEnabled(cfg) {
		fmt.Fprintf(&b, "  status:  %s\n", okStyle.Render("enabled"))
	} else {
		fmt.Fprintf(&b, "  status:  %s\n", warnStyle.Render("disabled"))
	}
	fmt.Fprintf(&b, "  mode:    %s\n", cfg.Automation.Mode)

	names := make([]string, 0, len(cfg.Automation.Capabilities))
	for name := range cfg.Automation.Capabilities {
		names = append(names, name)
	}
	slices.Sort(names)
	b.WriteString("  capabilities:\n")
	for _, name := range names {
		mark := dimStyle.Render("off")
		if config.HasCapability(cfg, config.Capability(name)) {
			mark = okStyle.Render("on")
		}
		fmt.Fprintf(&b, "    %-26s %s\n", name, mark)
	}

	b.WriteString("\n" + titleStyle.Render("Plan") + " " + dimStyle.Render(path) + "\n")
	switch {
	case planErr != nil:
		fmt.Fprintf(&b, "  %s\n", errStyle.Render("unreadable: "+planErr.Error()))
	case plan == nil:
		fmt.Fprintf(&b, "  %s\n", dimStyle.Render("no plan file"))
	default:
		b.WriteString(renderPlan(plan))
	}
	return b.String()
}

// renderPlan lists the phases in sequence order with the active one marked.
func renderPlan(plan *plansync.Plan) string {
	var b strings.Builder
	title := plan.Title
	if title == "" {
		title = plan.ID
	}
	fmt.Fprintf(&b, "  %s (%s)\n", title, plan.Status)

	phases := slices.Clone(plan.Phases)
	slices.SortStableFunc(phases, func(a, c plansync.Phase) int { return a.Sequence - c.Sequence })

	active := plan.ActivePhase()
	for _, p := range phases {
		line := fmt.Sprintf("%d. %s %s", p.Sequence, p.ID, p.Name)
		switch {
		case active != nil && p.ID == active.ID:
			line = okStyle.Render("> " + line)
		case p.Status == plansync.PhaseCompleted:
			line = dimStyle.Render("  " + line)
		case p.Status == plansync.PhaseFailed:
			line = errStyle.Render("  " + line)
		default:
			line = "  " + line
		}
		fmt.Fprintf(&b, "  %s  [%s]\n", line, p.Status)
	}
	return b.String()
}
