package ffs

import (
	"encoding/binary"
	"io"

	"github.com/ansel1/merry"
)

// Fatal error kinds. Errors returned by Checker.Run wrap one of these and
// can be matched with merry.Is or errors.Is.
var (
	ErrBadSuperblock    = merry.New("bad superblock")
	ErrBadCylinderGroup = merry.New("bad cylinder group")
	ErrDeadlock         = merry.New("deadlocked buffer pool")
	ErrAborted          = merry.New("check aborted")
	ErrQuotaCorrupt     = merry.New("quota file corrupted beyond repair")
	ErrJournal          = merry.New("journal replay failed")
	ErrIO               = merry.New("device I/O failed")
)

// Keys for values attached to fatal errors.
const (
	errKeyIno   = "ino"
	errKeyBlock = "blk"
	errKeyCg    = "cg"
)

// ErrorInode returns the inode a fatal error refers to, if any.
func ErrorInode(err error) (uint64, bool) {
	v, ok := merry.Value(err, errKeyIno).(uint64)
	return v, ok
}

// ErrorBlock returns the fragment address a fatal error refers to, if any.
func ErrorBlock(err error) (int64, bool) {
	v, ok := merry.Value(err, errKeyBlock).(int64)
	return v, ok
}

// fatalError carries a fatal condition from deep inside a pass up to
// Checker.Run, which recovers it. It never escapes the package.
type fatalError struct {
	err error
}

// fatal aborts the run with err.
func fatal(err error) {
	panic(fatalError{err: err})
}

// fatalf aborts the run with a kind-tagged message.
func fatalf(kind error, format string, args ...interface{}) {
	fatal(merry.Prependf(kind, format, args...))
}

// readStruct decodes v from r. Callers size r for v, so a short read is a
// broken invariant and aborts the run.
func readStruct(r io.Reader, bo binary.ByteOrder, v interface{}) {
	if err := binary.Read(r, bo, v); err != nil {
		fatal(merry.Prepend(err, "decode"))
	}
}

// writeStruct encodes v into w, aborting the run if v has no fixed size.
func writeStruct(w io.Writer, bo binary.ByteOrder, v interface{}) {
	if err := binary.Write(w, bo, v); err != nil {
		fatal(merry.Prepend(err, "encode"))
	}
}

// recoverFatal converts a fatalError panic into an error. Other panics are
// re-raised.
func recoverFatal(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	fe, ok := r.(fatalError)
	if !ok {
		panic(r)
	}
	*errp = fe.err
}
