// Package img creates, inspects and converts raw and QCOW disk images.
package img

import (
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/molimg/molimg"
	"github.com/molimg/molimg/internal/qcow"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Type is a disk image format.
type Type int

const (
	Raw Type = iota
	Qcow
)

// DefaultType is used when no image type is specified.
const DefaultType = Qcow

// Types lists the supported image types, for help texts.
const Types = "raw, qcow"

func (t Type) String() string {
	switch t {
	case Raw:
		return "raw"
	case Qcow:
		return "qcow"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// ParseType parses an image type name as printed by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "raw":
		return Raw, nil
	case "qcow":
		return Qcow, nil
	}
	return 0, xerrors.Errorf("unknown image type %q (available image types: %s)", s, Types)
}

// ParseSize parses an image size in bytes. The suffixes K, M and G
// (case-insensitive) multiply by 1024, 1024² and 1024³.
func ParseSize(s string) (int64, error) {
	num := s
	var multiplier int64 = 1
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			multiplier = 1024
		case 'm', 'M':
			multiplier = 1024 * 1024
		case 'g', 'G':
			multiplier = 1024 * 1024 * 1024
		}
		if multiplier > 1 {
			num = s[:n-1]
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, xerrors.Errorf("invalid size %q: must be positive", s)
	}
	if n > math.MaxInt64/multiplier {
		return 0, xerrors.Errorf("invalid size %q: too large", s)
	}
	return n * multiplier, nil
}

// Options configure Create.
type Options struct {
	Type Type
	Size int64 // in bytes

	// Preallocate reserves the blocks of a raw image instead of leaving the
	// file sparse. It has no effect on qcow images.
	Preallocate bool
}

// Create writes an empty disk image to path, atomically replacing any
// existing file.
func Create(path string, opts Options) error {
	if opts.Size <= 0 {
		return xerrors.Errorf("invalid image size %d", opts.Size)
	}
	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	switch opts.Type {
	case Raw:
		if err := f.Truncate(opts.Size); err != nil {
			return err
		}
		if opts.Preallocate {
			if err := unix.Fallocate(int(f.Fd()), 0, 0, opts.Size); err != nil {
				if err != unix.EOPNOTSUPP {
					return xerrors.Errorf("fallocate(%s): %w", path, err)
				}
				log.Printf("%s: preallocation not supported by the file system, image stays sparse", path)
			}
		}
	case Qcow:
		if err := qcow.Create(f, opts.Size); err != nil {
			return err
		}
	default:
		return xerrors.Errorf("unknown image type %v", opts.Type)
	}
	if err := f.Chmod(0644); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// CreateQcow creates an empty qcow image of sizeMB megabytes at path.
func CreateQcow(path string, sizeMB int64) error {
	return Create(path, Options{Type: Qcow, Size: sizeMB * molimg.Megabyte})
}

// CreateRaw creates an empty raw image of sizeMB megabytes at path.
func CreateRaw(path string, sizeMB int64) error {
	return Create(path, Options{Type: Raw, Size: sizeMB * molimg.Megabyte})
}
