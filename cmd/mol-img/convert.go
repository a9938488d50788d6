package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"github.com/molimg/molimg/internal/img"
)

const convertHelp = `mol-img convert [-flags] <src> <dst>

Copy the virtual disk of src (raw or qcow) into a new image dst. Zero-filled
regions are not stored.

With -gzip, dst is a gzip-compressed raw image instead, e.g. for uploading.

Example:
  % mol-img convert -O qcow -c macos.raw macos.img
`

func convert(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("convert", flag.ExitOnError)
	var (
		typeName = fset.String("O", img.DefaultType.String(), "output image type (raw or qcow)")
		compress = fset.Bool("c", false, "compress the clusters of qcow output")
		gzip     = fset.Bool("gzip", false, "write the raw disk contents gzip-compressed")
	)
	fset.Usage = usage(fset, convertHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return usageErrorf("syntax: convert [-flags] <src> <dst>")
	}
	src, dst := fset.Arg(0), fset.Arg(1)

	if *gzip {
		out, err := renameio.TempFile("", dst)
		if err != nil {
			return err
		}
		defer out.Cleanup()
		if err := img.ExportGzip(ctx, out, src); err != nil {
			return err
		}
		if err := out.Chmod(0644); err != nil {
			return err
		}
		return out.CloseAtomicallyReplace()
	}

	typ, err := img.ParseType(*typeName)
	if err != nil {
		return usageErrorf("-O: %w", err)
	}
	opts := img.ConvertOptions{
		Type:     typ,
		Compress: *compress,
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		var lastPercent int64 = -1
		opts.Progress = func(done, total int64) {
			if percent := done * 100 / total; percent != lastPercent {
				lastPercent = percent
				fmt.Fprintf(os.Stderr, "\r%3d%%", percent)
			}
		}
		defer fmt.Fprintln(os.Stderr)
	}
	log.Printf("converting %s to %v image %s", src, typ, dst)
	return img.Convert(ctx, dst, src, opts)
}
