package img

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/molimg/molimg/internal/qcow"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Disk is the virtual disk contained in an image file.
type Disk interface {
	io.ReaderAt

	// Size returns the size of the virtual disk in bytes.
	Size() int64
}

type rawDisk struct {
	*os.File
	size int64
}

func (r *rawDisk) Size() int64 { return r.size }

// Detect identifies the type of the image in r. Files without a qcow header
// are raw images.
func Detect(r io.ReaderAt) (Type, error) {
	var magic [4]byte
	n, err := r.ReadAt(magic[:], 0)
	if n < len(magic) {
		if err == io.EOF {
			return Raw, nil // too short for any header
		}
		return 0, err
	}
	if binary.BigEndian.Uint32(magic[:]) == qcow.Magic {
		return Qcow, nil
	}
	return Raw, nil
}

// OpenDisk returns the virtual disk of the image in f.
func OpenDisk(f *os.File) (Disk, Type, error) {
	typ, err := Detect(f)
	if err != nil {
		return nil, 0, err
	}
	switch typ {
	case Qcow:
		q, err := qcow.Open(f)
		if err != nil {
			return nil, 0, xerrors.Errorf("%s: %w", f.Name(), err)
		}
		return q, Qcow, nil
	default:
		st, err := f.Stat()
		if err != nil {
			return nil, 0, err
		}
		return &rawDisk{File: f, size: st.Size()}, Raw, nil
	}
}

// Info describes an image file.
type Info struct {
	Type        Type
	VirtualSize int64 // size of the virtual disk
	FileSize    int64 // apparent size of the image file
	DiskUsage   int64 // bytes allocated by the file system

	// qcow only
	ClusterSize        int64
	Clusters           int64 // allocated clusters
	CompressedClusters int64
	BackingFile        string
}

// Stat returns information about the image at path.
func Stat(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, xerrors.Errorf("fstat(%s): %w", path, err)
	}
	disk, typ, err := OpenDisk(f)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Type:        typ,
		VirtualSize: disk.Size(),
		FileSize:    st.Size,
		DiskUsage:   st.Blocks * 512,
	}
	if q, ok := disk.(*qcow.Image); ok {
		info.ClusterSize = q.ClusterSize()
		info.BackingFile = q.BackingFile
		info.Clusters, info.CompressedClusters, err = q.Allocated()
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}
