package types

import "fmt"

// StopCode is the status returned by an event source for each pull.
type StopCode int

const (
	// StopOK means an event was decoded and more may follow.
	StopOK StopCode = iota
	// StopEndOfTrace is the expected terminal status: the trace was fully consumed.
	StopEndOfTrace
	// StopTruncated means the stream ended inside a record.
	StopTruncated
	// StopMalformed means a record could not be decoded.
	StopMalformed
	// StopReadError means the underlying reader failed.
	StopReadError
)

func (s StopCode) String() string {
	switch s {
	case StopOK:
		return "ok"
	case StopEndOfTrace:
		return "end-of-trace"
	case StopTruncated:
		return "truncated"
	case StopMalformed:
		return "malformed"
	case StopReadError:
		return "read-error"
	default:
		return fmt.Sprintf("stop(%d)", int(s))
	}
}

// Clean reports whether decoding stopped because the trace was fully consumed.
func (s StopCode) Clean() bool {
	return s == StopEndOfTrace
}
