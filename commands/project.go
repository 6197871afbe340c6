package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
	"github.com/ByteMirror/swarm/plansync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/viper"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// projectDir resolves the --dir flag, defaulting to the working directory.
func projectDir(flag string) (string, error) {
	if flag == "" {
		flag = "."
	}
	dir, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	return dir, nil
}

// loadProjectConfig prefers <dir>/.swarm/config.{json,yaml} and falls back to
// the user config. Any failure yields the disabled defaults.
func loadProjectConfig(dir string) *config.Config {
	cfg, err := config.LoadConfigFrom(filepath.Join(dir, plansync.DefaultSubDir))
	if err == nil {
		return cfg
	}
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		log.ErrorLog.Printf("failed to load project config, automation disabled: %v", err)
		return config.DefaultConfig()
	}
	return config.LoadConfig()
}

// planPath is where the plan document for dir lives.
func planPath(dir string) string {
	return filepath.Join(dir, plansync.DefaultSubDir, plansync.DefaultFileName)
}
