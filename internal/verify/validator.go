// Package verify asserts the snowflake ID invariants over values observed
// from a cluster. It never writes to the database.
package verify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	herrors "github.com/snowcluster/snowcluster/internal/errors"
	"github.com/snowcluster/snowcluster/internal/session"
	"github.com/snowcluster/snowcluster/pkg/types"
)

// Property names reported in violations.
const (
	PropEpoch      = "epoch-sanity"
	PropDecode     = "decode-agreement"
	PropSession    = "nextval-currval"
	PropBatch      = "batch-order"
	PropDuplicate  = "uniqueness"
	PropNode       = "node-id"
	PropCatalog    = "catalog-entry"
	PropColDefault = "column-default"
)

// Options configures a Validator.
type Options struct {
	// MaxSkew bounds |id time - now| in CheckEpoch.
	MaxSkew time.Duration
	// Namespace is the schema of the ID generator functions.
	Namespace string
}

// DefaultOptions returns a five minute skew in the snowflake namespace.
func DefaultOptions() Options {
	return Options{MaxSkew: 5 * time.Minute, Namespace: "snowflake"}
}

// Validator checks identifiers. It is stateless and safe for concurrent use.
type Validator struct {
	opts Options
}

// New creates a validator; zero options take their defaults.
func New(opts Options) *Validator {
	def := DefaultOptions()
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = def.MaxSkew
	}
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	return &Validator{opts: opts}
}

// Namespace returns the configured generator namespace.
func (v *Validator) Namespace() string {
	return v.opts.Namespace
}

// CheckEpoch verifies the timestamp of id is within MaxSkew of now.
func (v *Validator) CheckEpoch(id types.SnowflakeID, now time.Time) error {
	skew := id.Time().Sub(now)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.opts.MaxSkew {
		return violation(PropEpoch,
			fmt.Sprintf("id %s is %s away from now (max %s)", id.Describe(), skew.Round(time.Millisecond), v.opts.MaxSkew),
			map[string]interface{}{"id": id.String(), "now": now.UTC().Format(time.RFC3339Nano)})
	}
	return nil
}

// CheckDecoded verifies the database's decode of id matches the local one.
func (v *Validator) CheckDecoded(id types.SnowflakeID, got types.DecodedSnowflake) error {
	want := id.Decode()
	if got != want {
		return violation(PropDecode,
			fmt.Sprintf("database decoded %s as epoch=%s count=%d node=%d, want epoch=%s count=%d node=%d",
				id, got.EpochSeconds, got.Count, got.Node, want.EpochSeconds, want.Count, want.Node),
			map[string]interface{}{"id": id.String()})
	}
	return nil
}

// CheckSession verifies nextval and currval drawn in one statement agree.
func (v *Validator) CheckSession(next, curr types.SnowflakeID) error {
	if next != curr {
		return violation(PropSession,
			fmt.Sprintf("nextval %s differs from currval %s", next, curr),
			map[string]interface{}{"nextval": next.String(), "currval": curr.String()})
	}
	return nil
}

// CheckBatch verifies ids, in generation order, contain no duplicates and
// never go backwards: equal milliseconds need strictly increasing counters.
func (v *Validator) CheckBatch(ids []types.SnowflakeID) error {
	seen := make(map[types.SnowflakeID]int, len(ids))
	for i, id := range ids {
		if j, dup := seen[id]; dup {
			return violation(PropDuplicate,
				fmt.Sprintf("id %s appears at positions %d and %d", id.Describe(), j, i),
				map[string]interface{}{"id": id.String()})
		}
		seen[id] = i

		if i == 0 {
			continue
		}
		prev := ids[i-1]
		if !prev.Less(id) {
			return violation(PropBatch,
				fmt.Sprintf("id %s at position %d does not follow %s", id.Describe(), i, prev.Describe()),
				map[string]interface{}{"previous": prev.String(), "id": id.String(), "position": i})
		}
	}
	return nil
}

// CheckNode verifies id carries the expected node id.
func (v *Validator) CheckNode(id types.SnowflakeID, expected int) error {
	if id.Node() != expected {
		return violation(PropNode,
			fmt.Sprintf("id %s carries node %d, want %d", id, id.Node(), expected),
			map[string]interface{}{"id": id.String(), "expected": expected})
	}
	return nil
}

// CheckUnique verifies identifiers collected per node are globally unique
// and each carries the node it was drawn from.
func (v *Validator) CheckUnique(perNode map[int][]types.SnowflakeID) error {
	nodes := make([]int, 0, len(perNode))
	for n := range perNode {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)

	owner := make(map[types.SnowflakeID]int)
	for _, n := range nodes {
		for _, id := range perNode[n] {
			if err := v.CheckNode(id, n); err != nil {
				return err
			}
			if m, dup := owner[id]; dup {
				return violation(PropDuplicate,
					fmt.Sprintf("id %s drawn on node %d and node %d", id, m, n),
					map[string]interface{}{"id": id.String()})
			}
			owner[id] = n
		}
	}
	return nil
}

// CheckCatalog verifies pg_sequences lists sequence under the generator
// namespace.
func (v *Validator) CheckCatalog(entries []session.SequenceEntry, sequence string) error {
	_, rel := session.SplitQualified(sequence)
	var found []string
	for _, e := range entries {
		if e.Name != rel {
			continue
		}
		if e.Schema == v.opts.Namespace {
			return nil
		}
		found = append(found, e.QualifiedName())
	}
	return violation(PropCatalog,
		fmt.Sprintf("no %s.%s entry in pg_sequences (found: %s)", v.opts.Namespace, rel, listOrNone(found)),
		map[string]interface{}{"sequence": sequence})
}

// CheckDefault verifies a column default calls the generator's nextval.
func (v *Validator) CheckDefault(columnDefault string) error {
	if !v.IsGeneratorDefault(columnDefault) {
		return violation(PropColDefault,
			fmt.Sprintf("column default %q does not call %s.nextval", columnDefault, v.opts.Namespace),
			map[string]interface{}{"default": columnDefault})
	}
	return nil
}

// IsGeneratorDefault reports whether columnDefault calls <namespace>.nextval(.
func (v *Validator) IsGeneratorDefault(columnDefault string) bool {
	return strings.Contains(columnDefault, v.opts.Namespace+".nextval(")
}

func violation(property, msg string, details map[string]interface{}) error {
	d := map[string]interface{}{"property": property}
	for k, val := range details {
		d[k] = val
	}
	return herrors.NewAssertionError(herrors.CodeSnowflakeInvariant, property+": "+msg).WithDetails(d)
}

func listOrNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}
