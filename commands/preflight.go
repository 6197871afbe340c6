package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/log"
)

// shellRunner runs command through sh in dir for each preflight request. An
// empty command only logs the boundary.
func shellRunner(dir, command string) automation.PreflightRunner {
	return func(ctx context.Context, req automation.PreflightRequest) error {
		if strings.TrimSpace(command) == "" {
			log.InfoLog.Printf("preflight: plan %s entered phase %s (from %s)", req.PlanID, req.ToPhase, req.FromPhase)
			return nil
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"SWARM_PLAN_DIR="+req.Directory,
			"SWARM_PLAN_ID="+req.PlanID,
			"SWARM_FROM_PHASE="+req.FromPhase,
			"SWARM_TO_PHASE="+req.ToPhase,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("preflight command failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		log.InfoLog.Printf("preflight: phase %s ok", req.ToPhase)
		return nil
	}
}
