package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/runstate"
	"github.com/anstrom/ollamascan/internal/scanning"
)

const (
	progressInterval = 250 * time.Millisecond
	exitInterrupted  = 130
)

var (
	scanYes        bool
	scanNoKeys     bool
	scanNoProgress bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the input ranges for Ollama servers",
	Long: `Probe every address in the input file for an Ollama server and record
each server found, with its models, to the configured outputs.

While the scan runs, press p to pause, r to resume and q to quit. Quitting
lets in-flight probes finish and keeps their results. Ctrl+C quits the same
way; a second Ctrl+C exits immediately.`,
	Example: `  ollamascan scan
  ollamascan scan --input ranges.txt --concurrency 1000 --rate 2000
  ollamascan scan --timeout 2s --endpoints-out out/endpoints.csv --models-out out/models.csv
  ollamascan scan --yes --no-keys --listen 127.0.0.1:8080`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolVarP(&scanYes, "yes", "y", false, "skip the authorisation prompt")
	scanCmd.Flags().BoolVar(&scanNoKeys, "no-keys", false, "disable keyboard control")
	scanCmd.Flags().BoolVar(&scanNoProgress, "no-progress", false, "do not draw the progress line")

	addScanFlags(rootCmd.PersistentFlags())
	bindScanFlags(rootCmd.PersistentFlags())
}

// scanFlag maps a command-line flag onto a config key.
type scanFlag struct {
	key  string
	name string
}

var scanFlags = []scanFlag{
	{"input.file", "input"},
	{"scanning.port", "port"},
	{"scanning.path", "path"},
	{"scanning.timeout", "timeout"},
	{"scanning.concurrency", "concurrency"},
	{"scanning.rate_limit", "rate"},
	{"output.endpoints_file", "endpoints-out"},
	{"output.models_file", "models-out"},
	{"output.fsync", "fsync"},
	{"output.sql.driver", "sql-driver"},
	{"output.sql.dsn", "sql-dsn"},
	{"output.redis.addr", "redis-addr"},
	{"output.redis.stream", "redis-stream"},
	{"status.listen", "listen"},
}

// addScanFlags defines the flags shared by every command that reads the
// input or runs a scan. Defaults only document; the config file supplies
// the values unless a flag is given.
func addScanFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.String("input", d.Input.File, "file with one CIDR, range or IP per line, or a JSON array")
	fs.Int("port", d.Scanning.Port, "port to probe on every address")
	fs.String("path", d.Scanning.Path, "path requested on every server")
	fs.Duration("timeout", d.Scanning.Timeout, "per-probe timeout")
	fs.IntP("concurrency", "c", d.Scanning.Concurrency, "maximum probes in flight")
	fs.Int("rate", d.Scanning.RateLimit, "maximum probes started per second, 0 for unlimited")
	fs.String("endpoints-out", d.Output.EndpointsFile, "CSV file for discovered servers")
	fs.String("models-out", d.Output.ModelsFile, "CSV file for discovered models")
	fs.Bool("fsync", d.Output.Fsync, "sync output files after every discovery")
	fs.String("sql-driver", "", "also write to SQL: postgres or sqlite3")
	fs.String("sql-dsn", "", "SQL data source name")
	fs.String("redis-addr", "", "also publish discoveries to this Redis host:port")
	fs.String("redis-stream", d.Output.Redis.Stream, "Redis stream name")
	fs.String("listen", "", "serve status and control on host:port")
}

func bindScanFlags(fs *pflag.FlagSet) {
	for _, f := range scanFlags {
		if err := viper.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", f.name, err)
		}
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !scanYes {
		ok, err := confirmAuthorized(cmd.InOrStdin(), out)
		if err != nil {
			return err
		}
		if !ok {
			return &declinedError{}
		}
	}

	keys := !scanNoKeys && term.IsTerminal(int(os.Stdin.Fd()))
	if keys {
		out = crlfWriter{w: out}
	}
	logger := scanLogger(cfg, keys)
	con := newConsole(out, !scanNoProgress)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	var (
		current atomic.Pointer[runstate.State]
		kb      atomic.Pointer[keyboard]
	)
	force := func() {
		kb.Load().Restore()
		con.finish()
		fmt.Fprintln(os.Stderr, "Forced exit, in-flight results may be lost.")
		os.Exit(exitInterrupted)
	}

	stopSignals := handleSignals(func() {
		if st := current.Load(); st != nil {
			if st.Quit() {
				con.Printf("%s\n", color.New(color.FgYellow).Sprint("Interrupted, stopping after in-flight probes finish..."))
			}
			return
		}
		cancel()
	}, force)
	defer stopSignals()

	hooks := runHooks{
		observers: []scanning.Observer{con},
		onStart: func(state *runstate.State) {
			current.Store(state)
			if keys {
				k, err := startKeyboard(state, con, force)
				if err != nil {
					logger.Warn("Keyboard control unavailable", "error", err)
				} else if k != nil {
					kb.Store(k)
				}
			}
			go con.runProgress(ctx, state, progressInterval)
		},
	}

	summary, err := runOnce(ctx, cfg, logger, hooks)
	kb.Load().Restore()
	con.finish()

	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
		fmt.Fprintf(cmd.OutOrStdout(), "Results: %s, %s\n", cfg.Output.EndpointsFile, cfg.Output.ModelsFile)
	}
	return err
}

// scanLogger keeps log lines readable while the terminal is in raw mode.
func scanLogger(cfg *config.Config, raw bool) *logging.Logger {
	if !raw {
		return logging.Default()
	}
	var w io.Writer
	switch cfg.Logging.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		return logging.Default()
	}
	return logging.NewWithWriter(cfg.LogConfig(), crlfWriter{w: w})
}

// handleSignals calls quit on the first SIGINT or SIGTERM and force on the
// second. The returned function stops listening.
func handleSignals(quit, force func()) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-sigCh:
				count++
				if count == 1 {
					quit()
				} else {
					force()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
