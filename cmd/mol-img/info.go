package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/molimg/molimg/internal/img"
)

const infoHelp = `mol-img info <image>

Show the type, virtual size and allocation of a disk image.

Example:
  % mol-img info mol.img
`

func info(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Usage = usage(fset, infoHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return usageErrorf("syntax: info <image>")
	}
	path := fset.Arg(0)
	i, err := img.Stat(path)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "image:\t%s\n", path)
	fmt.Fprintf(w, "type:\t%v\n", i.Type)
	fmt.Fprintf(w, "virtual size:\t%d bytes\n", i.VirtualSize)
	fmt.Fprintf(w, "file size:\t%d bytes\n", i.FileSize)
	fmt.Fprintf(w, "disk usage:\t%d bytes\n", i.DiskUsage)
	if i.Type == img.Qcow {
		fmt.Fprintf(w, "cluster size:\t%d bytes\n", i.ClusterSize)
		fmt.Fprintf(w, "allocated clusters:\t%d (%d compressed)\n", i.Clusters, i.CompressedClusters)
		if i.BackingFile != "" {
			fmt.Fprintf(w, "backing file:\t%s (not used)\n", i.BackingFile)
		}
	}
	return w.Flush()
}
