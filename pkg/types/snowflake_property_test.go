package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_SnowflakeRoundTrip checks that packing and unpacking the three
// fields is lossless for every in-range value.
func TestProperty_SnowflakeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fields survive encode/decode", prop.ForAll(
		func(millis int64, count, node int) bool {
			id, err := NewSnowflakeID(millis, count, node)
			if err != nil {
				return false
			}
			return id.Millis() == millis && id.Count() == count && id.Node() == node
		},
		gen.Int64Range(0, MaxSnowflakeMillis),
		gen.IntRange(0, MaxSnowflakeCount),
		gen.IntRange(0, MaxSnowflakeNode),
	))

	properties.Property("decimal text form parses back to the same id", prop.ForAll(
		func(millis int64, count, node int) bool {
			id, err := NewSnowflakeID(millis, count, node)
			if err != nil {
				return false
			}
			parsed, err := ParseSnowflakeID(id.String())
			return err == nil && parsed == id
		},
		gen.Int64Range(0, MaxSnowflakeMillis),
		gen.IntRange(0, MaxSnowflakeCount),
		gen.IntRange(0, MaxSnowflakeNode),
	))

	properties.TestingRun(t)
}

// TestProperty_SnowflakeGeneratorOrdering checks the nextval invariants of the
// reference generator.
func TestProperty_SnowflakeGeneratorOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids within one millisecond have strictly increasing counters", prop.ForAll(
		func(timestampMs int64, count int) bool {
			g, err := NewSnowflakeGenerator(1)
			if err != nil {
				return false
			}
			ts := time.UnixMilli(timestampMs)

			prev := g.NextAt(ts)
			for i := 1; i < count; i++ {
				curr := g.NextAt(ts)
				if curr.Millis() == prev.Millis() && curr.Count() <= prev.Count() {
					return false
				}
				if !prev.Less(curr) {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1600000000000, 2000000000000),
		gen.IntRange(2, 500),
	))

	properties.Property("ids never move backwards under arbitrary clock jitter", prop.ForAll(
		func(base int64, offsets []int64) bool {
			g, err := NewSnowflakeGenerator(7)
			if err != nil {
				return false
			}

			var prev SnowflakeID
			seen := make(map[SnowflakeID]struct{}, len(offsets))
			for i, off := range offsets {
				curr := g.NextAt(time.UnixMilli(base + off))
				if _, dup := seen[curr]; dup {
					return false
				}
				seen[curr] = struct{}{}
				if i > 0 && !prev.Less(curr) {
					return false
				}
				if curr.Node() != 7 {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1600000000000, 2000000000000),
		gen.SliceOf(gen.Int64Range(-50, 50)),
	))

	properties.TestingRun(t)
}
