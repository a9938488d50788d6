// Package build compiles an extension descriptor into a loadable module.
package build

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/molimg/molimg"
	"github.com/molimg/molimg/internal/descriptor"
	"github.com/molimg/molimg/internal/env"
	"github.com/molimg/molimg/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Ctx is a build context: it contains state about a build.
type Ctx struct {
	Ext  *descriptor.Extension
	Arch string // e.g. ppc

	Compiler string   // e.g. cc
	CFlags   []string // e.g. -O2

	// HostIncludes are the interpreter's header directories, see
	// PythonConfig.
	HostIncludes []string

	// ExtSuffix is appended to the extension name to form the artifact file
	// name, e.g. .so or .cpython-311-x86_64-linux-gnu.so.
	ExtSuffix string

	BuildDir  string // e.g. /tmp/mol-img-build-8123911, temporary if empty
	OutputDir string // e.g. /home/user/mol/util/img
	Jobs      int

	// Log receives the output of all build steps.
	Log io.Writer
}

// NewCtx returns a build context for ext with defaults for the current
// environment. The artifact is installed next to the descriptor.
func NewCtx(ext *descriptor.Extension) *Ctx {
	return &Ctx{
		Ext:       ext,
		Arch:      molimg.DefaultArch,
		Compiler:  env.Compiler(),
		CFlags:    []string{"-O2", "-Wall"},
		ExtSuffix: ".so",
		OutputDir: ext.Dir,
		Jobs:      runtime.NumCPU(),
		Log:       os.Stderr,
	}
}

// ArtifactName returns the file name of the loadable module, e.g. mol-img.so.
func (b *Ctx) ArtifactName() string {
	return b.Ext.Name + b.ExtSuffix
}

// ArtifactPath returns where Build installs the loadable module.
func (b *Ctx) ArtifactPath() string {
	return filepath.Join(b.OutputDir, b.ArtifactName())
}

// sourceDir returns Ext.Dir as an absolute path: steps run in BuildDir, so
// relative paths would resolve against the wrong directory.
func (b *Ctx) sourceDir() string {
	abs, err := filepath.Abs(b.Ext.Dir)
	if err != nil {
		return b.Ext.Dir
	}
	return abs
}

func (b *Ctx) substitute(s string) string {
	s = strings.ReplaceAll(s, "${MOL_SOURCEDIR}", b.sourceDir())
	s = strings.ReplaceAll(s, "${MOL_BUILDDIR}", b.BuildDir)
	s = strings.ReplaceAll(s, "${MOL_OUTPUT}", b.ArtifactName())
	s = strings.ReplaceAll(s, "${MOL_ARCH}", b.Arch)
	s = strings.ReplaceAll(s, "${MOL_JOBS}", strconv.Itoa(b.Jobs))
	return s
}

// SubstituteStrings replaces the ${MOL_*} variables in the argv of a step.
func (b *Ctx) SubstituteStrings(strings []string) []string {
	output := make([]string, len(strings))
	for idx, s := range strings {
		output[idx] = b.substitute(s)
	}
	return output
}

// lockedWriter serializes writes of concurrently running build steps.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type stepResult struct {
	argv     []string
	duration time.Duration
}

func (b *Ctx) run(ctx context.Context, buildLog io.Writer, tid uint64, name string, argv []string) (time.Duration, error) {
	start := time.Now()
	ev := trace.Event(name, tid)
	defer ev.Done()
	cmd := exec.CommandContext(ctx, b.substitute(argv[0]), b.SubstituteStrings(argv[1:])...)
	ev.Args = map[string]interface{}{"argv": cmd.Args}
	cmd.Dir = b.BuildDir
	cmd.Stdout = buildLog
	cmd.Stderr = buildLog
	if err := cmd.Run(); err != nil {
		return 0, xerrors.Errorf("build step %v: %w", cmd.Args, err)
	}
	return time.Since(start), nil
}

// Build validates the descriptor, compiles all sources concurrently, links
// them and atomically installs the result at ArtifactPath. The returned path
// is the installed artifact. No artifact is installed if any step fails.
func (b *Ctx) Build(ctx context.Context) (string, error) {
	if err := b.Ext.Validate(b.Arch); err != nil {
		return "", err
	}
	for _, dir := range b.Ext.IncludeDirs {
		if arch, ok := molimg.ObjDirArch(dir); ok && arch != b.Arch {
			log.Printf("warning: include_dir %s belongs to architecture %s, building for %s", dir, arch, b.Arch)
		}
	}

	if b.BuildDir == "" {
		tmp, err := ioutil.TempDir("", "mol-img-build")
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(tmp)
		b.BuildDir = tmp
		defer func() { b.BuildDir = "" }()
	} else {
		abs, err := filepath.Abs(b.BuildDir)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", err
		}
		defer func(dir string) { b.BuildDir = dir }(b.BuildDir)
		b.BuildDir = abs
	}

	compile, link, err := b.Steps()
	if err != nil {
		return "", err
	}
	buildLog := &lockedWriter{w: b.Log}
	total := len(compile) + 1
	results := make([]stepResult, total)

	eg, ectx := errgroup.WithContext(ctx)
	if b.Jobs > 0 {
		eg.SetLimit(b.Jobs)
	}
	for idx, step := range compile {
		idx, step := idx, step // copy
		eg.Go(func() error {
			log.Printf("build step %d of %d: %v", idx+1, total, b.SubstituteStrings(step))
			d, err := b.run(ectx, buildLog, trace.TidCompile, "compile "+b.Ext.Sources[idx], step)
			if err != nil {
				return err
			}
			results[idx] = stepResult{argv: step, duration: d}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	log.Printf("build step %d of %d: %v", total, total, b.SubstituteStrings(link))
	d, err := b.run(ctx, buildLog, trace.TidLink, "link "+b.ArtifactName(), link)
	if err != nil {
		return "", err
	}
	results[total-1] = stepResult{argv: link, duration: d}
	for idx, r := range results {
		log.Printf("  step %d: %v (command: %v)", idx, r.duration, r.argv)
	}

	dest := b.ArtifactPath()
	if err := install(filepath.Join(b.BuildDir, b.ArtifactName()), dest); err != nil {
		return "", xerrors.Errorf("installing %s: %w", dest, err)
	}
	return dest, nil
}

func install(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Chmod(0755); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
