package commands

import (
	"fmt"
	"path/filepath"

	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/plansync"

	"github.com/spf13/cobra"
)

var resetProjectFlag string

// ResetCmd restores the automation config to the disabled defaults.
var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the automation config to defaults (automation off)",
	Long: `Reset the automation config to defaults, which turns automation off.
By default the user config in ~/.swarm is reset; with --project the project's
.swarm/config.json is written instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resetTarget(resetProjectFlag)
		if err != nil {
			return err
		}
		if err := config.SaveConfigTo(dir, config.DefaultConfig()); err != nil {
			return fmt.Errorf("failed to reset config: %w", err)
		}
		fmt.Println(okStyle.Render("Config reset: " + filepath.Join(dir, config.ConfigFileName)))
		return nil
	},
}

func init() {
	ResetCmd.Flags().StringVar(&resetProjectFlag, "project", "", "Reset the config of this project directory instead")
}

// resetTarget picks the directory whose config.json reset rewrites.
func resetTarget(project string) (string, error) {
	if project == "" {
		return config.GetConfigDir()
	}
	dir, err := projectDir(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, plansync.DefaultSubDir), nil
}
