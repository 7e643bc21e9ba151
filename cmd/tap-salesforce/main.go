package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

// Flag names. Each is also read from TAP_SALESFORCE_<NAME> with dashes as
// underscores.
const (
	flagConfig      = "config"
	flagCatalog     = "catalog"
	flagProperties  = "properties"
	flagState       = "state"
	flagDiscover    = "discover"
	flagLogLevel    = "log-level"
	flagMaxWorkers  = "max-workers"
	flagBatchSize   = "batch-size"
	flagTimeout     = "timeout"
	flagFailFast    = "fail-fast"
	flagMetricsAddr = "metrics-addr"
	flagTrace       = "trace"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := newRootCommand(viper.New())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tap-salesforce:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "tap-salesforce",
		Short: "Singer tap for the Salesforce Commerce Cloud Data API",
		Long: `tap-salesforce extracts orders, products, catalogs, sites, inventory lists and
customer groups from Salesforce Commerce Cloud (OCAPI) and writes Singer SCHEMA,
RECORD and STATE messages to stdout. Logs go to stderr.

Examples:
  tap-salesforce --config config.json --discover > catalog.json
  tap-salesforce --config config.json --catalog catalog.json --state state.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := optionsFrom(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := root.Flags()
	flags.StringP(flagConfig, "c", "", "Path to the tap config file (JSON or YAML, required)")
	flags.String(flagCatalog, "", "Path to a Singer catalog selecting streams and fields")
	flags.String(flagProperties, "", "Alias of --catalog")
	flags.String(flagState, "", "Path to a Singer state file to resume from")
	flags.Bool(flagDiscover, false, "Write the catalog to stdout and exit")
	flags.String(flagLogLevel, "", "Log level (debug, info, warn, error); overrides the config file")
	flags.Int(flagMaxWorkers, 0, "Streams synced concurrently; overrides engine.max_workers")
	flags.Int(flagBatchSize, 0, "Records written between checkpoints; overrides engine.batch_size")
	flags.Duration(flagTimeout, 0, "Run deadline, e.g. 30m; overrides engine.timeout")
	flags.Bool(flagFailFast, false, "Stop the run at the first failed stream")
	flags.String(flagMetricsAddr, "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.Bool(flagTrace, false, "Export OpenTelemetry spans to stderr")

	v.SetEnvPrefix("TAP_SALESFORCE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tap-salesforce v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	return root
}

// options are the resolved command-line settings.
type options struct {
	ConfigPath  string
	CatalogPath string
	StatePath   string
	Discover    bool
	LogLevel    string
	MaxWorkers  int
	BatchSize   int
	Timeout     time.Duration
	FailFast    bool
	MetricsAddr string
	Trace       bool
}

func optionsFrom(v *viper.Viper) (options, error) {
	opts := options{
		ConfigPath:  v.GetString(flagConfig),
		CatalogPath: v.GetString(flagCatalog),
		StatePath:   v.GetString(flagState),
		Discover:    v.GetBool(flagDiscover),
		LogLevel:    v.GetString(flagLogLevel),
		MaxWorkers:  v.GetInt(flagMaxWorkers),
		BatchSize:   v.GetInt(flagBatchSize),
		Timeout:     v.GetDuration(flagTimeout),
		FailFast:    v.GetBool(flagFailFast),
		MetricsAddr: v.GetString(flagMetricsAddr),
		Trace:       v.GetBool(flagTrace),
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = v.GetString(flagProperties)
	}
	if opts.ConfigPath == "" {
		return opts, usageError(fmt.Errorf("--%s is required", flagConfig))
	}
	if opts.MaxWorkers < 0 || opts.BatchSize < 0 || opts.Timeout < 0 {
		return opts, usageError(fmt.Errorf("--%s, --%s and --%s cannot be negative", flagMaxWorkers, flagBatchSize, flagTimeout))
	}
	return opts, nil
}
