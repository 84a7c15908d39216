package types

// Sequence kinds recorded before and after a conversion.
const (
	SequenceKindSerial    = "serial"
	SequenceKindSnowflake = "snowflake"
)

// SequenceConversionRecord captures one sequence-to-snowflake conversion.
// It lives only for the duration of the run that created it.
type SequenceConversionRecord struct {
	// Sequence is the schema-qualified sequence name, e.g. public.acctg_employeeid_seq.
	Sequence string
	Database string

	// Table and Column identify the column the sequence feeds.
	Table  string
	Column string

	PreType  string
	PostType string

	// DefaultBefore and DefaultAfter are the column defaults read from the
	// catalog around the conversion.
	DefaultBefore string
	DefaultAfter  string

	// Confirmation is the conversion tool's captured stdout.
	Confirmation string
}
