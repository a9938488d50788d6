// Package descriptor reads and validates extension module descriptors: the
// name, version, sources and include directories a loadable module is
// compiled from.
//
// Descriptors are stored in text protobuf syntax, e.g.:
//
//	name: "mol-img"
//	version: "1.0"
//	source: "py-mol-img.c"
//	source: "mol-img-lib.c"
//	include_dir: "../../src/include"
package descriptor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/protocolbuffers/txtpbfmt/ast"
	"github.com/protocolbuffers/txtpbfmt/parser"
	"golang.org/x/xerrors"
)

// Extension describes one loadable extension module.
type Extension struct {
	Name    string
	Version string

	// Sources are C source files, relative to Dir unless absolute.
	Sources []string

	// IncludeDirs are header search paths, relative to Dir unless absolute.
	// The variable ${MOL_ARCH} is replaced by the target architecture.
	IncludeDirs []string

	// Defines are preprocessor definitions (NAME or NAME=VALUE).
	Defines []string

	// Libraries are linked into the module (e.g. z for -lz).
	Libraries []string

	// Dir is the directory relative paths resolve against, typically the
	// directory containing the descriptor file.
	Dir string
}

// Default returns the descriptor of the mol-img extension, whose sources live
// in dir.
func Default(dir string) *Extension {
	return &Extension{
		Name:    "mol-img",
		Version: "1.0",
		Sources: []string{
			"py-mol-img.c",
			"mol-img-lib.c",
		},
		// Headers are shared with the rest of the emulator tree.
		IncludeDirs: []string{
			"../../src/include",
			"../../src/shared",
			"../../obj-ppc/include",
		},
		Dir: dir,
	}
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// ReadFile reads the descriptor stored at path. Relative paths within the
// descriptor resolve against the directory containing path.
func ReadFile(path string) (*Extension, error) {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufPool.Put(b)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}
	ext, err := Parse(b.Bytes())
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	ext.Dir = abs
	return ext, nil
}

// Parse parses a text protobuf descriptor. Dir is left empty.
func Parse(b []byte) (*Extension, error) {
	nodes, err := parser.Parse(b)
	if err != nil {
		return nil, err
	}
	var ext Extension
	for _, n := range nodes {
		if n.Name == "" {
			continue // comment or blank line
		}
		if len(n.Children) > 0 {
			return nil, xerrors.Errorf("field %q: unexpected message value", n.Name)
		}
		values, err := stringValues(n)
		if err != nil {
			return nil, err
		}
		switch n.Name {
		case "name", "version":
			if len(values) != 1 {
				return nil, xerrors.Errorf("field %q: got %d values, want 1", n.Name, len(values))
			}
			if n.Name == "name" {
				if ext.Name != "" {
					return nil, xerrors.Errorf("field %q specified more than once", n.Name)
				}
				ext.Name = values[0]
			} else {
				if ext.Version != "" {
					return nil, xerrors.Errorf("field %q specified more than once", n.Name)
				}
				ext.Version = values[0]
			}
		case "source":
			ext.Sources = append(ext.Sources, values...)
		case "include_dir":
			ext.IncludeDirs = append(ext.IncludeDirs, values...)
		case "define":
			ext.Defines = append(ext.Defines, values...)
		case "library":
			ext.Libraries = append(ext.Libraries, values...)
		default:
			return nil, xerrors.Errorf("unknown field %q", n.Name)
		}
	}
	return &ext, nil
}

func stringValues(n *ast.Node) ([]string, error) {
	values := make([]string, 0, len(n.Values))
	for _, v := range n.Values {
		s, err := unquote(v.Value)
		if err != nil {
			return nil, xerrors.Errorf("field %q: value %s is not a string", n.Name, v.Value)
		}
		values = append(values, s)
	}
	return values, nil
}

// unquote decodes a text protobuf string literal, which may be enclosed in
// double or single quotes.
func unquote(lit string) (string, error) {
	if len(lit) < 2 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return strconv.Unquote(lit)
	}
	// Rewrite as a double-quoted Go literal: \' needs no escape, " does.
	var b strings.Builder
	b.WriteByte('"')
	body := lit[1 : len(lit)-1]
	for i := 0; i < len(body); i++ {
		switch c := body[i]; {
		case c == '\\' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == '\\' && i+1 < len(body):
			b.WriteByte(c)
			b.WriteByte(body[i+1])
			i++
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return strconv.Unquote(b.String())
}

// Resolve returns path with ${MOL_ARCH} replaced by arch, joined onto e.Dir
// unless it is absolute.
func (e *Extension) Resolve(path, arch string) string {
	path = strings.ReplaceAll(path, "${MOL_ARCH}", arch)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.Dir, path)
}

// PathError is one problem found by Validate.
type PathError struct {
	Kind string // "source" or "include_dir"
	Path string // as resolved
	Err  error
}

func (p *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", p.Kind, p.Path, p.Err)
}

func (p *PathError) Unwrap() error { return p.Err }

// ValidationError lists every problem Validate found, sources first, each in
// declaration order.
type ValidationError struct {
	Problems []*PathError
}

func (v *ValidationError) Error() string {
	msgs := make([]string, len(v.Problems))
	for idx, p := range v.Problems {
		msgs[idx] = p.Error()
	}
	return "invalid extension descriptor: " + strings.Join(msgs, "; ")
}

// Is reports whether any problem matches target, so that
// xerrors.Is(err, os.ErrNotExist) holds for a missing path.
func (v *ValidationError) Is(target error) bool {
	for _, p := range v.Problems {
		if xerrors.Is(p.Err, target) {
			return true
		}
	}
	return false
}

var (
	errNotRegular = xerrors.New("not a regular file")
	errNotDir     = xerrors.New("not a directory")
)

// Validate checks that the descriptor is complete and that every source and
// include directory it lists exists and is readable for architecture arch.
func (e *Extension) Validate(arch string) error {
	if e.Name == "" {
		return xerrors.New("invalid extension descriptor: name is empty")
	}
	if e.Version == "" {
		return xerrors.Errorf("invalid extension descriptor %s: version is empty", e.Name)
	}
	if len(e.Sources) == 0 {
		return xerrors.Errorf("invalid extension descriptor %s: no sources", e.Name)
	}
	var problems []*PathError
	for _, src := range e.Sources {
		path := e.Resolve(src, arch)
		if err := checkSource(path); err != nil {
			problems = append(problems, &PathError{Kind: "source", Path: path, Err: err})
		}
	}
	for _, dir := range e.IncludeDirs {
		path := e.Resolve(dir, arch)
		if err := checkIncludeDir(path); err != nil {
			problems = append(problems, &PathError{Kind: "include_dir", Path: path, Err: err})
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkSource(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return unwrapPathError(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return errNotRegular
	}
	return nil
}

func checkIncludeDir(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return unwrapPathError(err)
	}
	if !st.IsDir() {
		return errNotDir
	}
	f, err := os.Open(path)
	if err != nil {
		return unwrapPathError(err)
	}
	return f.Close()
}

// unwrapPathError strips the *os.PathError, whose path PathError repeats.
func unwrapPathError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}
