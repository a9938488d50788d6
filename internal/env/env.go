// Package env captures details about the mol-img environment.
package env

import (
	"os"
	"path/filepath"
)

// MolRoot is the root directory of the emulator source tree the extension is
// built from. Include directories of the default descriptor are relative to
// MolRoot/util/img.
var MolRoot = findMolRoot()

// ImgDir is the directory holding the mol-img extension sources.
func ImgDir() string {
	return filepath.Join(MolRoot, "util", "img")
}

// Compiler returns the C compiler to invoke, honoring $CC.
func Compiler() string {
	if cc := os.Getenv("CC"); cc != "" {
		return cc
	}
	return "cc"
}

func findMolRoot() string {
	env := os.Getenv("MOLROOT")
	if env != "" {
		// Builds run in a separate directory, so keep the root absolute.
		if abs, err := filepath.Abs(env); err == nil {
			return abs
		}
		return env
	}

	// Fall back to the working directory, which is where builds are usually
	// started from.
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
