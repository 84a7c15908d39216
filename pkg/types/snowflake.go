package types

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// SnowflakeID is a 64-bit distributed identifier as produced by the snowflake
// extension's nextval. The layout mirrors the extension's bit-field union:
//
//	bits  0..41  milliseconds since SnowflakeEpoch
//	bits 42..53  per-node counter within the millisecond
//	bits 54..63  node id
//
// PostgreSQL stores the value as a signed bigint, so node ids >= 512 produce
// negative numbers on the SQL side. SnowflakeID keeps the raw bits unsigned.
type SnowflakeID uint64

const (
	snowflakeMillisBits = 42
	snowflakeCountBits  = 12
	snowflakeNodeBits   = 10

	snowflakeCountShift = snowflakeMillisBits
	snowflakeNodeShift  = snowflakeMillisBits + snowflakeCountBits

	// MaxSnowflakeMillis is the largest millisecond offset the layout can hold.
	MaxSnowflakeMillis = 1<<snowflakeMillisBits - 1
	// MaxSnowflakeCount is the largest counter value within one millisecond.
	MaxSnowflakeCount = 1<<snowflakeCountBits - 1
	// MaxSnowflakeNode is the largest node id (snowflake.node accepts 1..1023).
	MaxSnowflakeNode = 1<<snowflakeNodeBits - 1
)

// SnowflakeEpochOffset is the extension's reference epoch: 2020-01-01T00:00:00Z
// expressed in seconds since the Unix epoch.
const SnowflakeEpochOffset int64 = 1577836800

// SnowflakeEpoch is SnowflakeEpochOffset as a time.Time.
var SnowflakeEpoch = time.Unix(SnowflakeEpochOffset, 0).UTC()

// NewSnowflakeID packs the three fields into an identifier.
func NewSnowflakeID(millis int64, count, node int) (SnowflakeID, error) {
	if millis < 0 || millis > MaxSnowflakeMillis {
		return 0, fmt.Errorf("%w: millis %d", ErrSnowflakeOutOfRange, millis)
	}
	if count < 0 || count > MaxSnowflakeCount {
		return 0, fmt.Errorf("%w: count %d", ErrSnowflakeOutOfRange, count)
	}
	if node < 0 || node > MaxSnowflakeNode {
		return 0, fmt.Errorf("%w: node %d", ErrSnowflakeOutOfRange, node)
	}
	return packSnowflake(uint64(millis), uint64(count), uint64(node)), nil
}

func packSnowflake(millis, count, node uint64) SnowflakeID {
	return SnowflakeID(millis | count<<snowflakeCountShift | node<<snowflakeNodeShift)
}

// ParseSnowflakeID parses the decimal text form of a bigint column. Both the
// signed form PostgreSQL prints and the unsigned form are accepted.
func ParseSnowflakeID(s string) (SnowflakeID, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return SnowflakeID(uint64(v)), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSnowflake, s)
	}
	return SnowflakeID(v), nil
}

// SnowflakeFromInt64 converts a bigint as returned by a database driver.
func SnowflakeFromInt64(v int64) SnowflakeID {
	return SnowflakeID(uint64(v))
}

// Millis returns the milliseconds since SnowflakeEpoch.
func (id SnowflakeID) Millis() int64 {
	return int64(uint64(id) & MaxSnowflakeMillis)
}

// Count returns the per-millisecond counter.
func (id SnowflakeID) Count() int {
	return int(uint64(id) >> snowflakeCountShift & MaxSnowflakeCount)
}

// Node returns the generating node id.
func (id SnowflakeID) Node() int {
	return int(uint64(id) >> snowflakeNodeShift & MaxSnowflakeNode)
}

// UnixMilli returns the timestamp component as Unix milliseconds.
func (id SnowflakeID) UnixMilli() int64 {
	return id.Millis() + SnowflakeEpochOffset*1000
}

// Time returns the timestamp component as a time.Time.
func (id SnowflakeID) Time() time.Time {
	return time.UnixMilli(id.UnixMilli()).UTC()
}

// EpochSeconds renders the timestamp the way snowflake.get_epoch does: Unix
// seconds as a numeric with three decimal places.
func (id SnowflakeID) EpochSeconds() string {
	ms := id.UnixMilli()
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// Int64 returns the value as PostgreSQL stores it.
func (id SnowflakeID) Int64() int64 {
	return int64(id)
}

// String returns the signed decimal form, matching psql output.
func (id SnowflakeID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// DecodedSnowflake holds the fields of an identifier as reported by the
// database's own decode functions (get_epoch, get_count, get_node).
type DecodedSnowflake struct {
	EpochSeconds string
	Count        int
	Node         int
}

// Decode returns the locally decoded fields in the database's format.
func (id SnowflakeID) Decode() DecodedSnowflake {
	return DecodedSnowflake{
		EpochSeconds: id.EpochSeconds(),
		Count:        id.Count(),
		Node:         id.Node(),
	}
}

// Describe returns a human-readable breakdown used in diagnostics.
func (id SnowflakeID) Describe() string {
	return fmt.Sprintf("%s (ts=%s count=%d node=%d)",
		id.String(), id.Time().Format("2006-01-02T15:04:05.000Z07:00"), id.Count(), id.Node())
}

// Less orders identifiers by (millis, count), the order in which a single
// node hands them out. The node field does not participate.
func (id SnowflakeID) Less(other SnowflakeID) bool {
	if id.Millis() != other.Millis() {
		return id.Millis() < other.Millis()
	}
	return id.Count() < other.Count()
}

// SnowflakeGenerator reproduces the extension's nextval algorithm for a single
// node. It is used to cross-check decoded values and in tests.
type SnowflakeGenerator struct {
	mu   sync.Mutex
	node int
	last SnowflakeID
}

// NewSnowflakeGenerator creates a generator for the given node id.
func NewSnowflakeGenerator(node int) (*SnowflakeGenerator, error) {
	if node < 1 || node > MaxSnowflakeNode {
		return nil, fmt.Errorf("%w: node %d", ErrSnowflakeOutOfRange, node)
	}
	return &SnowflakeGenerator{node: node}, nil
}

// Next returns the next identifier at the current wall clock time.
func (g *SnowflakeGenerator) Next() SnowflakeID {
	return g.NextAt(time.Now())
}

// NextAt returns the next identifier as if the clock read t.
// When the clock has ticked past the last value the counter resets. Otherwise
// the counter advances and, on wrap, the millisecond is pushed one tick into
// the future so values never move backwards.
func (g *SnowflakeGenerator) NextAt(t time.Time) SnowflakeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMillis := uint64(t.UnixMilli()-SnowflakeEpochOffset*1000) & MaxSnowflakeMillis
	millis := uint64(g.last.Millis())
	count := uint64(g.last.Count())

	if nowMillis > millis {
		millis = nowMillis
		count = 0
	} else {
		count = (count + 1) & MaxSnowflakeCount
		if count == 0 {
			millis = (millis + 1) & MaxSnowflakeMillis
		}
	}

	g.last = packSnowflake(millis, count, uint64(g.node))
	return g.last
}

// Last returns the most recently generated identifier (currval semantics).
func (g *SnowflakeGenerator) Last() SnowflakeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
