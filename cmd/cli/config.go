package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/errors"
)

var configForce bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration to a file",
	Long: `Write the configuration ollamascan would run with, defaults merged with
the config file, OLLAMASCAN_* variables and flags, as YAML. The file is
written to the given path, or to the config file in use.`,
	Example: `  ollamascan config init
  ollamascan config init ./scan.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := getConfigFilePath()
	if len(args) == 1 {
		path = args[0]
	}
	if err := writeConfig(cfg, path, configForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

// writeConfig saves cfg to path, refusing to replace a file unless force is set.
func writeConfig(cfg *config.Config, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			fmt.Sprintf("%s already exists, use --force to overwrite", path), "path", path)
	}
	if err := cfg.Save(path); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to write configuration", err)
	}
	return nil
}
