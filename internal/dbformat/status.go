package dbformat

import (
	"github.com/cockroachdb/errors"
)

// Kind is one of the error kinds the core and its collaborators exchange.
// These are not Go types (no type-switch on concrete error types); Kind is
// attached to an error via errors.Mark/errors.Is so any wrapped error chain
// can still be classified by a caller several layers up.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindCorruption
	KindInvalidArgument
	KindIOError
	KindMergeInProgress
	KindIncomplete
	KindTryAgain
	KindNotSupported
	KindBusy
	KindColumnFamilyDropped
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIOError:
		return "IOError"
	case KindMergeInProgress:
		return "MergeInProgress"
	case KindIncomplete:
		return "Incomplete"
	case KindTryAgain:
		return "TryAgain"
	case KindNotSupported:
		return "NotSupported"
	case KindBusy:
		return "Busy"
	case KindColumnFamilyDropped:
		return "ColumnFamilyDropped"
	default:
		return "Unknown"
	}
}

// sentinel errors, one per kind, used as the errors.Mark() reference so
// errors.Is(err, ErrNotFound) works no matter how many times err has been
// wrapped with extra context on its way up the call stack.
var (
	ErrNotFound            = errors.New("dbformat: not found")
	ErrCorruption          = errors.New("dbformat: corruption")
	ErrInvalidArgument     = errors.New("dbformat: invalid argument")
	ErrIOError             = errors.New("dbformat: io error")
	ErrMergeInProgress     = errors.New("dbformat: merge in progress")
	ErrIncomplete          = errors.New("dbformat: incomplete")
	ErrTryAgain            = errors.New("dbformat: try again")
	ErrNotSupported        = errors.New("dbformat: not supported")
	ErrBusy                = errors.New("dbformat: busy")
	ErrColumnFamilyDropped = errors.New("dbformat: column family dropped")
)

var kindSentinels = map[Kind]error{
	KindNotFound:            ErrNotFound,
	KindCorruption:          ErrCorruption,
	KindInvalidArgument:     ErrInvalidArgument,
	KindIOError:             ErrIOError,
	KindMergeInProgress:     ErrMergeInProgress,
	KindIncomplete:          ErrIncomplete,
	KindTryAgain:            ErrTryAgain,
	KindNotSupported:        ErrNotSupported,
	KindBusy:                ErrBusy,
	KindColumnFamilyDropped: ErrColumnFamilyDropped,
}

// NewStatusError wraps msg with the sentinel for kind (ErrNotFound for
// KindNotFound, and so on) so errors.Is(result, sentinel) holds, and attaches
// a stack trace via cockroachdb/errors for diagnostics. A kind with no
// sentinel (KindOK) yields a plain error carrying msg.
func NewStatusError(kind Kind, msg string) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		return errors.New(msg)
	}
	return errors.Mark(errors.WithStack(errors.New(msg)), sentinel)
}

// WrapStatusError marks an existing error with kind's sentinel, preserving
// its original message and stack.
func WrapStatusError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	sentinel, ok := kindSentinels[kind]
	if !ok {
		return err
	}
	return errors.Mark(err, sentinel)
}

// KindOf classifies err against the known sentinels. Returns KindOK if err
// is nil, or an unrecognized non-nil error is treated as KindIOError — the
// conservative choice, since an unclassified failure must still surface
// rather than be silently treated as success.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindIOError
}

// IsNotFound reports whether err is (or wraps) a NotFound status.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err is (or wraps) a Corruption status.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsTryAgain reports whether err is (or wraps) a TryAgain status.
func IsTryAgain(err error) bool { return errors.Is(err, ErrTryAgain) }

// IsColumnFamilyDropped reports whether err is (or wraps) a
// ColumnFamilyDropped status.
func IsColumnFamilyDropped(err error) bool { return errors.Is(err, ErrColumnFamilyDropped) }
