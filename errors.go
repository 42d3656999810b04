package pagesync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a sync run failed. Every failure returned by
// [Syncer.Run] wraps an [*Error] carrying exactly one kind; there is no
// partial-success state.
type ErrorKind string

const (
	// KindTransport means a remote endpoint was unreachable or answered
	// with a transport-level failure.
	KindTransport ErrorKind = "transport"

	// KindDecode means a payload did not parse as the type expected for
	// the run's kind.
	KindDecode ErrorKind = "decode"

	// KindStorage means a staging or dataset file could not be opened,
	// read, or written.
	KindStorage ErrorKind = "storage"

	// KindIntegrity means a runtime check found a violated invariant:
	// a line without the key delimiter, a key collision between streams,
	// or mutations staged on a first run.
	KindIntegrity ErrorKind = "integrity"
)

var errMissingDelimiter = errors.New("line lacks the key delimiter")

// keyCollision reports a uuid present in both the old and the new stream.
// Keys are unique across streams; a tie means the source data is corrupt.
func keyCollision(key string) error {
	return fmt.Errorf("uuid %q present in both the old dataset and the staged records", key)
}

// errFirstRunMutations reports mutation files staged during a first run,
// where the remote guarantees none exist.
func errFirstRunMutations(n int) error {
	return fmt.Errorf("%d mutation file(s) staged on a first run", n)
}

// Error is a classified sync failure. Op names the operation that failed
// ("fetch page", "merge", ...) and Err carries the underlying cause, when
// there is one.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the classification of err, unwrapping as needed.
// ok is false when err was not produced by this package.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

func transportErr(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func decodeErr(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

func storageErr(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func integrityErr(op string, err error) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Err: err}
}
