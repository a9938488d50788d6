package build

import (
	"context"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"
)

// PythonConfig asks tool (python3-config if empty) for the interpreter's header
// directories and extension module suffix and stores them in b.
func (b *Ctx) PythonConfig(ctx context.Context, tool string) error {
	if tool == "" {
		tool = "python3-config"
	}
	includes, err := exec.CommandContext(ctx, tool, "--includes").Output()
	if err != nil {
		return xerrors.Errorf("%s --includes: %w", tool, err)
	}
	seen := make(map[string]bool)
	for _, f := range strings.Fields(string(includes)) {
		if !strings.HasPrefix(f, "-I") {
			continue
		}
		dir := strings.TrimPrefix(f, "-I")
		if seen[dir] {
			continue // python3-config lists platform includes twice
		}
		seen[dir] = true
		b.HostIncludes = append(b.HostIncludes, dir)
	}

	suffix, err := exec.CommandContext(ctx, tool, "--extension-suffix").Output()
	if err != nil {
		return xerrors.Errorf("%s --extension-suffix: %w", tool, err)
	}
	if s := strings.TrimSpace(string(suffix)); s != "" {
		b.ExtSuffix = s
	}
	return nil
}
