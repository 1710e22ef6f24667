// Package main implements the tracetab binary: it decodes native traces into
// a fixed-width row table, inspects them from the command line and serves
// them over HTTP and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/tracetab/tracetab/internal/app"
	"github.com/tracetab/tracetab/internal/config"
	"github.com/tracetab/tracetab/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// globalFlags are accepted before the command name.
type globalFlags struct {
	configFile string
	envFile    string
	dataDir    string
	logLevel   string
	logFormat  string
	maxParams  int
	maxRows    int
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *cliEnv, args []string) error
}

var commands = []command{
	{"load", "decode a trace and report the table shape", cmdLoad},
	{"dump", "decode a trace and write the table as CSV or raw matrix", cmdDump},
	{"stats", "summarize a trace: span, event codes, CPUs", cmdStats},
	{"intervals", "per-CPU intervals between occurrences of one event code", cmdIntervals},
	{"query", "run a SQL query over the decoded table", cmdQuery},
	{"gen", "write a synthetic trace", cmdGen},
	{"ls", "list traces in object storage", cmdList},
	{"put", "upload a trace to object storage", cmdPut},
	{"serve", "serve the table over HTTP and gRPC", cmdServe},
	{"version", "print version information", cmdVersion},
}

// cliEnv carries what every command needs.
type cliEnv struct {
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
	logger *zap.Logger
	app    *app.App
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globalFlags
	fs := flag.NewFlagSet("tracetab", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&g.envFile, "env-file", "", "Dotenv file with TRACETAB_ variables (default ./.env when present)")
	fs.StringVar(&g.dataDir, "data-dir", "", "Base directory for storage and downloads")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format: console, json")
	fs.IntVar(&g.maxParams, "max-params", 0, "Parameter columns per row (1-255)")
	fs.IntVar(&g.maxRows, "max-rows", -1, "Maximum table rows, 0 for unbounded")
	fs.Usage = func() { usage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}

	name := fs.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "tracetab: unknown command %q\n\n", name)
		usage(fs, stderr)
		return 2
	}

	env := &cliEnv{stdout: stdout, stderr: stderr}
	if cmd.name != "version" {
		cfg, err := loadConfig(g, cmd.name == "serve")
		if err != nil {
			fmt.Fprintf(stderr, "tracetab: failed to load configuration: %v\n", err)
			return 1
		}
		env.cfg = cfg
		application, err := app.New(cfg, nil)
		if err != nil {
			fmt.Fprintf(stderr, "tracetab: %v\n", err)
			return 1
		}
		env.app = application
		env.logger = application.Logger()
		defer env.logger.Sync()
	}

	if err := cmd.run(ctx, env, fs.Args()[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		if err != errUsage {
			fmt.Fprintf(stderr, "tracetab %s: %v\n", cmd.name, err)
		}
		return 1
	}
	return 0
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority. Commands other than serve log warnings only
// unless asked otherwise.
// defaultEnvFile is read when it exists and no -env-file is given.
const defaultEnvFile = ".env"

func loadConfig(g globalFlags, serve bool) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if g.configFile != "" {
		cfg, err = config.LoadFromFile(g.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
		if !serve {
			cfg.Log.Level = "warn"
		}
	}

	envFile := g.envFile
	if envFile == "" {
		if _, err := os.Stat(defaultEnvFile); err == nil {
			envFile = defaultEnvFile
		}
	}
	if envFile != "" {
		if err := config.LoadFromEnvFile(cfg, envFile); err != nil {
			return nil, err
		}
	} else {
		config.LoadFromEnv(cfg)
	}

	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.maxParams != 0 {
		cfg.Engine.MaxParams = g.maxParams
	}
	if g.maxRows >= 0 {
		cfg.Engine.MaxRows = g.maxRows
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "tracetab - decode native execution traces into a row table\n\n")
	fmt.Fprintf(w, "Usage: tracetab [global options] <command> [options] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nGlobal options:\n")
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nTrace paths may be local files, file:// URLs, store://key or s3://bucket/key.\n")
	fmt.Fprintf(w, "\nEnvironment Variables:\n")
	fmt.Fprintf(w, "  TRACETAB_DATA_DIR        Base directory for data files\n")
	fmt.Fprintf(w, "  TRACETAB_ENGINE_*        MAX_PARAMS, SEED_ROWS, MAX_ROWS, TRACE_EVENTS\n")
	fmt.Fprintf(w, "  TRACETAB_HTTP_ADDR       HTTP listen address\n")
	fmt.Fprintf(w, "  TRACETAB_GRPC_ADDR       gRPC listen address\n")
	fmt.Fprintf(w, "  TRACETAB_STORAGE_TYPE    Storage type (local, s3)\n")
	fmt.Fprintf(w, "  TRACETAB_S3_*            BUCKET, REGION, ENDPOINT, USE_PATH_STYLE\n")
}
