package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/molimg/molimg"
	"github.com/molimg/molimg/internal/build"
	"github.com/molimg/molimg/internal/descriptor"
	"github.com/molimg/molimg/internal/env"
)

const buildHelp = `mol-img build [-flags]

Compile the mol-img interpreter extension into a loadable module.

Without -descriptor, the built-in descriptor is used: sources py-mol-img.c and
mol-img-lib.c in $MOLROOT/util/img, headers from src/include, src/shared and
obj-ppc/include.

Example:
  % MOLROOT=~/mol mol-img build -output ~/lib/python
`

func buildExtension(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		descriptorPath = fset.String("descriptor", "", "path to an extension descriptor (textproto); defaults to the built-in mol-img descriptor")
		output         = fset.String("output", "", "directory to install the module into (default: next to the sources)")
		buildDir       = fset.String("builddir", "", "directory for intermediate objects (default: a temporary directory)")
		jobs           = fset.Int("j", runtime.NumCPU(), "number of parallel compile steps")
		arch           = fset.String("arch", molimg.DefaultArch, "target architecture, substituted for ${MOL_ARCH}")
		pythonConfig   = fset.String("python_config", "python3-config", "tool reporting the interpreter's include flags; empty to skip")
		dryRun         = fset.Bool("n", false, "print the build steps instead of running them")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	var ext *descriptor.Extension
	if *descriptorPath != "" {
		var err error
		ext, err = descriptor.ReadFile(*descriptorPath)
		if err != nil {
			return err
		}
	} else {
		ext = descriptor.Default(env.ImgDir())
	}
	if !molimg.Architectures[*arch] {
		return usageErrorf("unknown architecture %q", *arch)
	}

	b := build.NewCtx(ext)
	b.Arch = *arch
	b.Jobs = *jobs
	if *output != "" {
		b.OutputDir = *output
	}
	if *pythonConfig != "" {
		if err := b.PythonConfig(ctx, *pythonConfig); err != nil {
			log.Printf("warning: %v; building without interpreter headers", err)
		}
	}

	if *dryRun {
		b.BuildDir = *buildDir
		if b.BuildDir == "" {
			b.BuildDir = "${MOL_BUILDDIR}"
		}
		compile, link, err := b.Steps()
		if err != nil {
			return err
		}
		for _, step := range append(compile, link) {
			fmt.Println(strings.Join(b.SubstituteStrings(step), " "))
		}
		return nil
	}

	if *buildDir == "" {
		tmp, err := ioutil.TempDir("", "mol-img-build")
		if err != nil {
			return err
		}
		molimg.RegisterAtExit(func() error { return os.RemoveAll(tmp) })
		*buildDir = tmp
	}
	b.BuildDir = *buildDir

	log.Printf("building %s %s for %s", ext.Name, ext.Version, b.Arch)
	artifact, err := b.Build(ctx)
	if err != nil {
		return err
	}
	log.Printf("installed %s", artifact)
	return nil
}
