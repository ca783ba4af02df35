package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
)

var (
	configInitLocal bool
	configInitForce bool
	recentClear     bool
	envShowValues   bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "write .pytest-orch.toml in the current directory")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file changes are written to",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(configFile())
			return nil
		},
	})

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently opened projects",
		RunE:  runConfigRecent,
	}
	recentCmd.Flags().BoolVar(&recentClear, "clear", false, "forget all recent projects")
	configCmd.AddCommand(recentCmd)

	rootCmd.AddCommand(configCmd)

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environment variables passed to test runs",
	}
	envCmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a variable",
		Args:  cobra.ExactArgs(2),
		RunE:  runEnvSet,
	})
	envCmd.AddCommand(&cobra.Command{
		Use:   "unset KEY",
		Short: "Remove a variable",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvUnset,
	})
	envListCmd := &cobra.Command{
		Use:   "list",
		Short: "List variables",
		RunE:  runEnvList,
	}
	envListCmd.Flags().BoolVar(&envShowValues, "values", false, "print values instead of masking them")
	envCmd.AddCommand(envListCmd)

	rootCmd.AddCommand(envCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
		if configInitLocal {
			path = config.LocalConfigName
		}
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", configFile(), data)
	return nil
}

func runConfigRecent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if recentClear {
		cfg.ClearRecentProjects()
		return cfg.Save(configFile())
	}

	if len(cfg.General.RecentProjects) == 0 {
		fmt.Println("No recent projects")
		return nil
	}
	for _, p := range cfg.General.RecentProjects {
		fmt.Println(p)
	}
	return nil
}

// envFile resolves the env file of the current project
func envFile() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	root, err := projectRoot(cfg)
	if err != nil {
		return "", err
	}
	cfg.General.ProjectRoot = root
	path := cfg.EnvFilePath()
	if path == "" {
		return "", fmt.Errorf("runner.env_file is not set")
	}
	return filepath.Clean(path), nil
}

func runEnvSet(cmd *cobra.Command, args []string) error {
	path, err := envFile()
	if err != nil {
		return err
	}
	if err := config.SetEnvVar(path, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Set %s in %s\n", args[0], path)
	return nil
}

func runEnvUnset(cmd *cobra.Command, args []string) error {
	path, err := envFile()
	if err != nil {
		return err
	}
	if err := config.UnsetEnvVar(path, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s from %s\n", args[0], path)
	return nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	path, err := envFile()
	if err != nil {
		return err
	}
	env, err := config.LoadEnvFile(path)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := "****"
		if envShowValues {
			v = env[k]
		}
		fmt.Printf("%s=%s\n", k, v)
	}
	return nil
}
