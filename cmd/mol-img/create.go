package main

import (
	"context"
	"flag"
	"log"

	"github.com/molimg/molimg/internal/img"
)

const createHelp = `mol-img create [-flags] [output.img]

Create an empty disk image, atomically replacing output.img (default mol.img).

Available image types: ` + img.Types + `

Example:
  % mol-img create -type=qcow -size=2G macos.img
`

// maxFilename is the longest output file name accepted, in bytes.
const maxFilename = 255

func create(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	var (
		typeName = fset.String("type", img.DefaultType.String(), "build a disk image of a certain type (raw or qcow)")
		size     = fset.String("size", "512M", "size in bytes, postfix with M or G for megabytes or gigabytes")
		prealloc = fset.Bool("preallocate", false, "allocate all blocks of raw images instead of creating a sparse file")
	)
	fset.Usage = usage(fset, createHelp)
	fset.Parse(args)
	if fset.NArg() > 1 {
		return usageErrorf("syntax: create [-flags] [output.img]")
	}
	output := "mol.img"
	if fset.NArg() == 1 {
		output = fset.Arg(0)
	}
	if len(output) > maxFilename {
		return usageErrorf("invalid filename: %d bytes, at most %d allowed", len(output), maxFilename)
	}
	typ, err := img.ParseType(*typeName)
	if err != nil {
		return usageErrorf("-type: %w", err)
	}
	bytes, err := img.ParseSize(*size)
	if err != nil {
		return usageErrorf("-size: %w", err)
	}
	log.Printf("creating %v image %s (%d bytes)", typ, output, bytes)
	return img.Create(output, img.Options{
		Type:        typ,
		Size:        bytes,
		Preallocate: *prealloc,
	})
}
