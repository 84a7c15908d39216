package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ReplicationModule is the package name of the replication extension.
const ReplicationModule = "spock"

// NodeSpec describes one node of the cluster. It is built once per run from
// configuration and never modified afterwards.
type NodeSpec struct {
	// Index is the 1-based node number.
	Index int
	// Name is the node name used for replication registration ("n1", "n2", ...).
	Name string
	// Dir is the node's installation directory under the cluster root.
	Dir string
	// WorkDir is the directory holding the engine CLI.
	WorkDir string

	Host     string
	Port     int
	User     string
	Password string
	Database string

	// ReplicationUser is the role used by replication peers to connect.
	ReplicationUser string

	// Component is the engine package name, e.g. "pg16".
	Component string
	// EngineVersion is passed to setup as --pg_ver.
	EngineVersion string
	// ReplicationVersion is the optional spock version passed as --spock_ver.
	ReplicationVersion string
}

// IDModule returns the name of the ID generator extension package, which is
// named after the engine package.
func (n NodeSpec) IDModule() string {
	return "snowflake-" + n.Component
}

// ModuleNames returns the modules a provisioned node must report installed.
func (n NodeSpec) ModuleNames() []string {
	return []string{n.IDModule(), n.Component, ReplicationModule}
}

// Markers returns the two paths whose joint presence defines a provisioned node.
func (n NodeSpec) Markers() []string {
	return []string{
		filepath.Join(n.Dir, "install.py"),
		filepath.Join(n.Dir, "pgedge"),
	}
}

// SnowflakeNode returns the node id the ID generator is expected to embed.
func (n NodeSpec) SnowflakeNode() int {
	return n.Index
}

// ConnString returns a libpq keyword/value connection string for the node.
func (n NodeSpec) ConnString() string {
	parts := []string{
		"host=" + n.Host,
		fmt.Sprintf("port=%d", n.Port),
		"user=" + n.User,
		"dbname=" + n.Database,
	}
	if n.Password != "" {
		parts = append(parts, "password="+n.Password)
	}
	return strings.Join(parts, " ")
}

// PeerConnString returns the connection string peers use to reach this node
// when registering it with the replication extension.
func (n NodeSpec) PeerConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s", n.Host, n.Port, n.ReplicationUser, n.Database)
}

// String identifies the node in logs and diagnostics.
func (n NodeSpec) String() string {
	return fmt.Sprintf("%s(port=%d)", n.Name, n.Port)
}

// ProvisioningState is the on-disk state of a node, derived on every check.
type ProvisioningState int

const (
	// StateUnprovisioned means the node directory does not exist.
	StateUnprovisioned ProvisioningState = iota
	// StatePartiallyInstalled means the directory exists but its markers are
	// incomplete. It is terminal and is never repaired automatically.
	StatePartiallyInstalled
	// StateProvisioned means the directory and both markers exist.
	StateProvisioned
	// StateRunning means the engine reported itself as already running.
	StateRunning
)

// String returns the state name.
func (s ProvisioningState) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StatePartiallyInstalled:
		return "broken"
	case StateProvisioned:
		return "provisioned"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
