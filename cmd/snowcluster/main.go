// Package main implements the snowcluster binary. It provisions a local
// multi-node cluster, registers replication, verifies snowflake sequence
// conversion and tears everything down again, one subcommand at a time or
// all in order.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/snowcluster/snowcluster/internal/app"
	"github.com/snowcluster/snowcluster/internal/config"
	"github.com/snowcluster/snowcluster/internal/logging"
	"github.com/snowcluster/snowcluster/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile string
	ncDir      string
	clusterDir string
	nodes      int
	startPort  int
	journal    string
	logLevel   string
	logFormat  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snowcluster", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		f           flags
		showVersion bool
	)
	fs.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&f.ncDir, "nc-dir", "", "Directory the installer is downloaded into")
	fs.StringVar(&f.clusterDir, "cluster-dir", "", "Directory holding one subdirectory per node")
	fs.IntVar(&f.nodes, "nodes", 0, "Number of nodes")
	fs.IntVar(&f.startPort, "start-port", 0, "Port of node 1; node n listens on start-port+n-1")
	fs.StringVar(&f.journal, "journal", "", "Path of the SQLite run journal (empty disables it)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: console or json")
	fs.BoolVar(&showVersion, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "snowcluster - cluster provisioning and snowflake sequence verification\n\n")
		fmt.Fprintf(stderr, "Usage: snowcluster [options] <command> [args]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  stage          Install the engine once and stage the node template\n")
		fmt.Fprintf(stderr, "  provision      Stage, then install every node in order\n")
		fmt.Fprintf(stderr, "  replicate      Register every node with the replication extension\n")
		fmt.Fprintf(stderr, "  verify         Convert the test sequence and check snowflake ids on every node\n")
		fmt.Fprintf(stderr, "  decommission   Remove the engine from every node\n")
		fmt.Fprintf(stderr, "  teardown       Delete the install directory and the password file\n")
		fmt.Fprintf(stderr, "  all            provision, replicate, verify, decommission, teardown\n")
		fmt.Fprintf(stderr, "  decode <id>... Print the fields of snowflake ids\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  NC_DIR, EDGE_HOME_DIR, EDGE_CLUSTER_DIR, EDGE_NODES, EDGE_START_PORT\n")
		fmt.Fprintf(stderr, "  EDGE_COMPONENT, EDGE_CLI, EDGE_INST_VERSION, EDGE_SPOCK_VER, EDGE_REPO\n")
		fmt.Fprintf(stderr, "  EDGE_HOST, EDGE_USERNAME, EDGE_PASSWORD, EDGE_DB, EDGE_REPUSER\n")
		fmt.Fprintf(stderr, "  SNOWCLUSTER_JOURNAL, SNOWCLUSTER_LOG_LEVEL, SNOWCLUSTER_LOG_FORMAT\n")
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "snowcluster version %s (commit: %s)\n", version, commit)
		return 0
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	if command == "decode" {
		return decode(rest, stdout, stderr)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "Fail - configuration: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(stderr, "Fail - configuration: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(cfg, logger, app.Components{})
	if err != nil {
		fmt.Fprintf(stderr, "Fail - configuration: %v\n", err)
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("failed to close journal", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running command",
		zap.String("command", command),
		zap.Int("nodes", cfg.Cluster.Nodes),
		zap.String("nc_dir", cfg.NCDir),
		zap.String("cluster_dir", cfg.ClusterDir),
		zap.String("version", version))

	report, err := application.Execute(ctx, command)
	if report == nil {
		fmt.Fprintf(stderr, "Fail - %s: %v\n", command, err)
		return 1
	}
	fmt.Fprintln(stdout, report.Reason())
	if err != nil {
		return 1
	}
	return 0
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if f.ncDir != "" {
		cfg.NCDir = f.ncDir
	}
	if f.clusterDir != "" {
		cfg.ClusterDir = f.clusterDir
	}
	if f.nodes > 0 {
		cfg.Cluster.Nodes = f.nodes
	}
	if f.startPort > 0 {
		cfg.Cluster.StartPort = f.startPort
	}
	if f.journal != "" {
		cfg.Journal.Path = f.journal
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

// decode prints each id's fields as the extension's get_epoch, get_count and
// get_node would report them.
func decode(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Fail - decode: no ids given")
		return 2
	}
	status := 0
	for _, a := range args {
		id, err := types.ParseSnowflakeID(a)
		if err != nil {
			fmt.Fprintf(stderr, "Fail - decode %s: %v\n", a, err)
			status = 1
			continue
		}
		d := id.Decode()
		fmt.Fprintf(stdout, "%s epoch=%s count=%d node=%d\n", id.Describe(), d.EpochSeconds, d.Count, d.Node)
		if err := selfCheck(id); err != nil {
			fmt.Fprintf(stderr, "Fail - decode %s: %v\n", a, err)
			status = 1
		}
	}
	return status
}

// selfCheck replays the node's nextval algorithm up to id's count within
// id's millisecond and requires it to land on id.
func selfCheck(id types.SnowflakeID) error {
	g, err := types.NewSnowflakeGenerator(id.Node())
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	var got types.SnowflakeID
	for i := 0; i <= id.Count(); i++ {
		got = g.NextAt(id.Time())
	}
	if got != id {
		return fmt.Errorf("self-check: generator produced %s", got.Describe())
	}
	return nil
}
