package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

// usage returns a flag.FlagSet.Usage function printing the help text of a
// verb followed by its flags.
func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags of mol-img %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

// usageError is an invalid command line, as opposed to a failed operation.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{err: xerrors.Errorf(format, args...)}
}

// exitCode maps the result of a verb to the process exit status: 0 on
// success, 2 for usage errors, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var uerr *usageError
	if xerrors.As(err, &uerr) {
		return 2
	}
	return 1
}
