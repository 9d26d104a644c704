// Package cli provides the command-line interface for ollamascan.
// It implements the Cobra-based command tree: scan, ranges, watch and config.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/logging"
)

const (
	envPrefix         = "OLLAMASCAN"
	defaultConfigFile = "config.yaml"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ollamascan",
	Short: "Discover exposed Ollama inference servers",
	Long: `ollamascan probes IPv4 address ranges for Ollama servers answering
GET /api/tags, and records every server found together with the models it
advertises.

Only scan networks you own or are explicitly authorised to test.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in the .env file, the config file and environment variables.
func initConfig() {
	// .env is optional
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	initLogging()
}

// getConfigFilePath returns the config file in use, or the default path.
func getConfigFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}

// loadConfig loads the config file and applies environment and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies every key set through a flag or OLLAMASCAN_* variable.
func applyOverrides(cfg *config.Config) {
	setString := func(key string, dst *string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}

	setInt("scanning.port", &cfg.Scanning.Port)
	setString("scanning.path", &cfg.Scanning.Path)
	if viper.IsSet("scanning.timeout") {
		cfg.Scanning.Timeout = viper.GetDuration("scanning.timeout")
	}
	setInt("scanning.concurrency", &cfg.Scanning.Concurrency)
	setInt("scanning.rate_limit", &cfg.Scanning.RateLimit)
	setString("scanning.user_agent", &cfg.Scanning.UserAgent)

	setString("input.file", &cfg.Input.File)

	setString("output.endpoints_file", &cfg.Output.EndpointsFile)
	setString("output.models_file", &cfg.Output.ModelsFile)
	setBool("output.fsync", &cfg.Output.Fsync)
	setString("output.sql.driver", &cfg.Output.SQL.Driver)
	setString("output.sql.dsn", &cfg.Output.SQL.DSN)
	setString("output.redis.addr", &cfg.Output.Redis.Addr)
	setString("output.redis.password", &cfg.Output.Redis.Password)
	setString("output.redis.stream", &cfg.Output.Redis.Stream)

	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setString("logging.output", &cfg.Logging.Output)

	setBool("status.enabled", &cfg.Status.Enabled)
	setString("status.listen", &cfg.Status.Listen)
	if f := rootCmd.PersistentFlags().Lookup("listen"); f != nil && f.Changed {
		cfg.Status.Enabled = cfg.Status.Listen != ""
	}
	setString("watch.schedule", &cfg.Watch.Schedule)
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
// Logs go to stderr by default so they never interleave with the console.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg)

	logConfig := cfg.LogConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		logging.Warn("Failed to initialize logging, using stderr", "output", logConfig.Output, "error", err)
		return
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}
