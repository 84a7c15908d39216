// Package config provides the harness configuration. A Config is built once
// at process start (defaults, then an optional file, then the environment,
// then command line flags) and passed by value into every component.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/snowcluster/snowcluster/pkg/types"
)

// Config holds the configuration for a harness run.
type Config struct {
	// NCDir is where the upstream installer is downloaded and run once.
	NCDir string `json:"nc_dir" yaml:"nc_dir"`

	// HomeDir is the engine home created by the installer (NCDir/pgedge).
	HomeDir string `json:"home_dir" yaml:"home_dir"`

	// ClusterDir holds one directory per node (n1, n2, ...).
	ClusterDir string `json:"cluster_dir" yaml:"cluster_dir"`

	// StageDir is the template tree copied into every node directory.
	StageDir string `json:"stage_dir" yaml:"stage_dir"`

	// Repo is the URL of the upstream install script (file, http(s) or s3).
	Repo string `json:"repo" yaml:"repo"`

	// PgPassFile is removed by teardown.
	PgPassFile string `json:"pgpass_file" yaml:"pgpass_file"`

	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Command CommandConfig `json:"command" yaml:"command"`
	Verify  VerifyConfig  `json:"verify" yaml:"verify"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Log     LogConfig     `json:"log" yaml:"log"`
	S3      S3Config      `json:"s3" yaml:"s3"`
}

// ClusterConfig describes the fixed-size cluster and its credentials.
type ClusterConfig struct {
	Nodes           int    `json:"nodes" yaml:"nodes"`
	Host            string `json:"host" yaml:"host"`
	StartPort       int    `json:"start_port" yaml:"start_port"`
	User            string `json:"user" yaml:"user"`
	Password        string `json:"password" yaml:"password"`
	Database        string `json:"database" yaml:"database"`
	ReplicationUser string `json:"replication_user" yaml:"replication_user"`
}

// EngineConfig selects the engine package and versions.
type EngineConfig struct {
	// Component is the engine package name, e.g. pg16
	Component string `json:"component" yaml:"component"`

	// CLI is the engine command line tool inside each node's work dir
	CLI string `json:"cli" yaml:"cli"`

	// Version is passed to setup as --pg_ver
	Version string `json:"version" yaml:"version"`

	// ReplicationVersion is the optional --spock_ver value
	ReplicationVersion string `json:"replication_version" yaml:"replication_version"`

	// BackupComponent is removed best-effort during decommission
	BackupComponent string `json:"backup_component" yaml:"backup_component"`
}

// CommandConfig configures how external commands are run.
type CommandConfig struct {
	Shell  string `json:"shell" yaml:"shell"`
	Python string `json:"python" yaml:"python"`
}

// VerifyConfig configures the snowflake checks.
type VerifyConfig struct {
	Table     string        `json:"table" yaml:"table"`
	Column    string        `json:"column" yaml:"column"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
	MaxSkew   time.Duration `json:"max_skew" yaml:"max_skew"`
	Namespace string        `json:"namespace" yaml:"namespace"`
}

// JournalConfig configures the run journal.
type JournalConfig struct {
	// Path is the SQLite file; empty disables the journal
	Path string `json:"path" yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// S3Config configures the s3:// installer source.
type S3Config struct {
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for a local two-node cluster.
func DefaultConfig() *Config {
	return &Config{
		NCDir:      "./nc",
		ClusterDir: "./cluster",
		StageDir:   filepath.Join(os.TempDir(), "nccopy"),
		Repo:       "https://pgedge-upstream.s3.amazonaws.com/REPO/install.py",
		Cluster: ClusterConfig{
			Nodes:           2,
			Host:            "localhost",
			StartPort:       6432,
			User:            "lcusr",
			Password:        "password",
			Database:        "lcdb",
			ReplicationUser: "pgedge",
		},
		Engine: EngineConfig{
			Component:       "pg16",
			CLI:             "pgedge",
			Version:         "16",
			BackupComponent: "backrest",
		},
		Command: CommandConfig{
			Shell:  "/bin/sh",
			Python: "python3",
		},
		Verify: VerifyConfig{
			Table:     "acctg",
			Column:    "employeeid",
			BatchSize: 2,
			MaxSkew:   5 * time.Minute,
			Namespace: "snowflake",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// Resolve fills paths derived from NCDir.
func (c *Config) Resolve() {
	if c.NCDir == "" {
		c.NCDir = "./nc"
	}
	if c.HomeDir == "" {
		c.HomeDir = filepath.Join(c.NCDir, "pgedge")
	}
	if c.ClusterDir == "" {
		c.ClusterDir = filepath.Join(filepath.Dir(filepath.Clean(c.NCDir)), "cluster")
	}
	if c.PgPassFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.PgPassFile = filepath.Join(home, ".pgpass")
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cluster.Nodes < 1 || c.Cluster.Nodes > types.MaxSnowflakeNode {
		return fmt.Errorf("cluster.nodes must be between 1 and %d, got %d", types.MaxSnowflakeNode, c.Cluster.Nodes)
	}

	if c.Cluster.StartPort < 1 || c.Cluster.StartPort+c.Cluster.Nodes-1 > 65535 {
		return fmt.Errorf("cluster.start_port %d does not leave room for %d nodes", c.Cluster.StartPort, c.Cluster.Nodes)
	}

	required := map[string]string{
		"nc_dir":           c.NCDir,
		"cluster_dir":      c.ClusterDir,
		"stage_dir":        c.StageDir,
		"cluster.user":     c.Cluster.User,
		"cluster.database": c.Cluster.Database,
		"engine.component": c.Engine.Component,
		"engine.cli":       c.Engine.CLI,
		"engine.version":   c.Engine.Version,
		"command.shell":    c.Command.Shell,
		"verify.namespace": c.Verify.Namespace,
		"verify.table":     c.Verify.Table,
		"verify.column":    c.Verify.Column,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if filepath.Clean(c.StageDir) == filepath.Clean(c.NCDir) {
		return fmt.Errorf("stage_dir must differ from nc_dir")
	}

	// The template tree is a copy of NCDir, so node directories inside it
	// would be copied into every later node.
	if within(c.ClusterDir, c.NCDir) || within(c.StageDir, c.NCDir) {
		return fmt.Errorf("cluster_dir and stage_dir must not be inside nc_dir")
	}

	if c.Verify.BatchSize < 2 {
		return fmt.Errorf("verify.batch_size must be at least 2, got %d", c.Verify.BatchSize)
	}

	if c.Verify.MaxSkew <= 0 {
		return fmt.Errorf("verify.max_skew must be positive")
	}

	return nil
}

// Nodes returns the node specs for the configured cluster in ascending order.
func (c *Config) Nodes() []types.NodeSpec {
	nodes := make([]types.NodeSpec, 0, c.Cluster.Nodes)
	for n := 1; n <= c.Cluster.Nodes; n++ {
		dir := filepath.Join(c.ClusterDir, fmt.Sprintf("n%d", n))
		nodes = append(nodes, types.NodeSpec{
			Index:              n,
			Name:               fmt.Sprintf("n%d", n),
			Dir:                dir,
			WorkDir:            filepath.Join(dir, "pgedge"),
			Host:               c.Cluster.Host,
			Port:               c.Cluster.StartPort + n - 1,
			User:               c.Cluster.User,
			Password:           c.Cluster.Password,
			Database:           c.Cluster.Database,
			ReplicationUser:    c.Cluster.ReplicationUser,
			Component:          c.Engine.Component,
			EngineVersion:      c.Engine.Version,
			ReplicationVersion: c.Engine.ReplicationVersion,
		})
	}
	return nodes
}

// Node returns the spec for a single node index.
func (c *Config) Node(index int) (types.NodeSpec, error) {
	if index < 1 || index > c.Cluster.Nodes {
		return types.NodeSpec{}, fmt.Errorf("%w: %d (cluster has %d nodes)", types.ErrInvalidNodeIndex, index, c.Cluster.Nodes)
	}
	return c.Nodes()[index-1], nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// envBindings maps config keys to the environment variables the harness has
// always been driven by.
var envBindings = []struct {
	key string
	env string
}{
	{"nc_dir", "NC_DIR"},
	{"home_dir", "EDGE_HOME_DIR"},
	{"cluster_dir", "EDGE_CLUSTER_DIR"},
	{"repo", "EDGE_REPO"},
	{"cluster.nodes", "EDGE_NODES"},
	{"cluster.host", "EDGE_HOST"},
	{"cluster.start_port", "EDGE_START_PORT"},
	{"cluster.user", "EDGE_USERNAME"},
	{"cluster.password", "EDGE_PASSWORD"},
	{"cluster.database", "EDGE_DB"},
	{"cluster.replication_user", "EDGE_REPUSER"},
	{"engine.component", "EDGE_COMPONENT"},
	{"engine.cli", "EDGE_CLI"},
	{"engine.version", "EDGE_INST_VERSION"},
	{"engine.replication_version", "EDGE_SPOCK_VER"},
	{"stage_dir", "SNOWCLUSTER_STAGE_DIR"},
	{"journal.path", "SNOWCLUSTER_JOURNAL"},
	{"log.level", "SNOWCLUSTER_LOG_LEVEL"},
	{"log.format", "SNOWCLUSTER_LOG_FORMAT"},
	{"s3.region", "SNOWCLUSTER_S3_REGION"},
	{"s3.endpoint", "SNOWCLUSTER_S3_ENDPOINT"},
}

// LoadFromEnv applies environment variables to cfg. Unset variables leave the
// current value untouched.
func LoadFromEnv(cfg *Config) error {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b.env, err)
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) error {
		if !v.IsSet(key) {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %q", key, v.GetString(key))
		}
		*dst = n
		return nil
	}

	setString("nc_dir", &cfg.NCDir)
	setString("home_dir", &cfg.HomeDir)
	setString("cluster_dir", &cfg.ClusterDir)
	setString("stage_dir", &cfg.StageDir)
	setString("repo", &cfg.Repo)

	if err := setInt("cluster.nodes", &cfg.Cluster.Nodes); err != nil {
		return err
	}
	if err := setInt("cluster.start_port", &cfg.Cluster.StartPort); err != nil {
		return err
	}
	setString("cluster.host", &cfg.Cluster.Host)
	setString("cluster.user", &cfg.Cluster.User)
	setString("cluster.password", &cfg.Cluster.Password)
	setString("cluster.database", &cfg.Cluster.Database)
	setString("cluster.replication_user", &cfg.Cluster.ReplicationUser)

	setString("engine.component", &cfg.Engine.Component)
	setString("engine.cli", &cfg.Engine.CLI)
	setString("engine.version", &cfg.Engine.Version)
	setString("engine.replication_version", &cfg.Engine.ReplicationVersion)

	setString("journal.path", &cfg.Journal.Path)
	setString("log.level", &cfg.Log.Level)
	setString("log.format", &cfg.Log.Format)
	setString("s3.region", &cfg.S3.Region)
	setString("s3.endpoint", &cfg.S3.Endpoint)

	return nil
}

// EnsureDirectories creates the directories the harness itself writes into.
// Node and staging directories are created by the pipeline, since their
// absence is part of the provisioning state.
func (c *Config) EnsureDirectories() error {
	if c.Journal.Path == "" {
		return nil
	}
	dir := filepath.Dir(c.Journal.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// within reports whether path is parent or a descendant of parent.
func within(path, parent string) bool {
	p, err1 := filepath.Abs(path)
	q, err2 := filepath.Abs(parent)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(q, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
