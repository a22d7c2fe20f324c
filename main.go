package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"safely/config"
	"safely/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "safely",
		Short:         "Pair a phone with a desktop and relay detected sounds over the LAN",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.json, .toml, .yaml); default is the per-role config.json")

	cmd.AddCommand(
		desktopCmd(&configPath),
		mobileCmd(&configPath),
		codeCmd(),
		journalCmd(),
	)
	return cmd
}

// loadConfig reads an explicit file when given, otherwise the persisted
// per-role config. It returns the config and the role directory holding
// the agent's state.
func loadConfig(role, path string) (*config.AgentConfig, string, error) {
	if path != "" {
		cfg, err := config.LoadFile(path, role)
		if err != nil {
			return nil, "", err
		}
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		return cfg, config.RoleDir(dataDir, role), nil
	}

	cfg, cfgPath, err := config.LoadOrCreate(role)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(cfgPath), nil
}

func newLogger(cfg *config.AgentConfig) (*slog.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Format:    logging.Format(cfg.LogFormat),
		Component: cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, nil
}

func printIdentity(cfg *config.AgentConfig, roleDir string) {
	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Role:            %s\n", cfg.Role)
	fmt.Printf("Transports:      %v\n", cfg.Transports)
	fmt.Printf("Data Directory:  %s\n", roleDir)
}
