package types

import "errors"

// Snowflake-related errors
var (
	// ErrSnowflakeOutOfRange is returned when a field does not fit its bit width
	ErrSnowflakeOutOfRange = errors.New("snowflake field out of range")

	// ErrInvalidSnowflake is returned when a textual identifier cannot be parsed
	ErrInvalidSnowflake = errors.New("invalid snowflake id")
)

// Node-related errors
var (
	// ErrInvalidNodeIndex is returned when a node index is outside 1..N
	ErrInvalidNodeIndex = errors.New("invalid node index")
)
