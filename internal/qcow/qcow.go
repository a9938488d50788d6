// Package qcow reads and writes QCOW (version 1) disk images.
//
// A QCOW image maps the clusters of a virtual disk through a two-level table:
// the L1 table, stored right after the header, points to L2 tables, whose
// entries point to data clusters. Clusters which were never written have no
// entry and read as zeros, which keeps freshly created images small.
package qcow

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"
)

const (
	Magic   = 'Q'<<24 | 'F'<<16 | 'I'<<8 | 0xfb
	Version = 1

	CryptNone = 0
	CryptAES  = 1

	// HeaderSize is the encoded size of Header.
	HeaderSize = 48

	DefaultClusterBits = 12 // 4 KB clusters
	DefaultL2Bits      = 9  // 4 KB L2 tables

	oflagCompressed = 1 << 63

	l2CacheSize     = 16
	maxBackingName  = 1023
	maxClusterBits  = 16
	minClusterBits  = 9
	entrySize       = 8
	zeroChunkLength = 4096
)

var (
	// ErrEncrypted is returned by Open for AES encrypted images.
	ErrEncrypted = xerrors.New("qcow: encrypted images are not supported")

	// ErrOutOfRange is returned for writes beyond the virtual disk size.
	ErrOutOfRange = xerrors.New("qcow: write beyond end of virtual disk")
)

// Header is the on-disk image header, stored big-endian at offset 0.
type Header struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	Mtime             uint32
	Size              uint64 // in bytes
	ClusterBits       uint8
	L2Bits            uint8
	_                 [2]byte
	CryptMethod       uint32
	L1TableOffset     uint64
}

func (h *Header) clusterSize() int64 { return 1 << h.ClusterBits }

// l1Size returns the number of L1 entries needed to map h.Size bytes.
func (h *Header) l1Size() int64 {
	shift := uint(h.ClusterBits) + uint(h.L2Bits)
	return int64((h.Size + (1 << shift) - 1) >> shift)
}

// Create writes an empty image of size bytes into w: a header followed by an
// L1 table without any entries. The image has no backing file and is not
// encrypted.
func Create(w io.WriteSeeker, size int64) error {
	if size <= 1 {
		return xerrors.Errorf("qcow: invalid image size %d", size)
	}
	hdr := Header{
		Magic:       Magic,
		Version:     Version,
		Size:        uint64(size),
		ClusterBits: DefaultClusterBits,
		L2Bits:      DefaultL2Bits,
		CryptMethod: CryptNone,
	}
	headerSize := int64(binary.Size(hdr)+7) &^ 7
	hdr.L1TableOffset = uint64(headerSize)

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, &hdr); err != nil {
		return xerrors.Errorf("writing header: %w", err)
	}
	if _, err := w.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}
	zero := make([]byte, zeroChunkLength)
	for remaining := hdr.l1Size() * entrySize; remaining > 0; {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if _, err := w.Write(zero[:n]); err != nil {
			return xerrors.Errorf("writing L1 table: %w", err)
		}
		remaining -= n
	}
	return nil
}

// File is the storage an Image lives in. *os.File implements File.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

type l2Entry struct {
	offset uint64 // 0 if unused
	count  uint32 // hits, halved when one counter saturates
	table  []uint64
}

// Image is an opened QCOW image. Its methods are safe for concurrent use.
type Image struct {
	mu sync.Mutex

	f   File
	hdr Header

	// BackingFile is the name of the backing file recorded in the header, if
	// any. Unallocated clusters are never read from it.
	BackingFile string

	clusterSize       int64
	l2Size            int64
	clusterOffsetMask uint64
	l1                []uint64
	l2Cache           [l2CacheSize]l2Entry

	// clusterCache holds the decompressed contents of the compressed cluster
	// at clusterCacheOffset (-1 if none).
	clusterCache       []byte
	clusterCacheOffset int64

	end int64 // size of f
}

// ReadHeader decodes the header at the start of r without validating it.
func ReadHeader(r io.ReaderAt) (Header, error) {
	var hdr Header
	if err := binary.Read(io.NewSectionReader(r, 0, HeaderSize), binary.BigEndian, &hdr); err != nil {
		return Header{}, xerrors.Errorf("reading header: %w", err)
	}
	return hdr, nil
}

func (h *Header) validate() error {
	if got, want := h.Magic, uint32(Magic); got != want {
		return xerrors.Errorf("qcow: invalid magic (not a qcow image?): got %x, want %x", got, want)
	}
	if got, want := h.Version, uint32(Version); got != want {
		return xerrors.Errorf("qcow: unsupported version %d, want %d", got, want)
	}
	if h.Size <= 1 {
		return xerrors.Errorf("qcow: invalid image size %d", h.Size)
	}
	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return xerrors.Errorf("qcow: invalid cluster_bits %d", h.ClusterBits)
	}
	if h.L2Bits < 1 || h.L2Bits > h.ClusterBits-3 {
		return xerrors.Errorf("qcow: invalid l2_bits %d", h.L2Bits)
	}
	switch h.CryptMethod {
	case CryptNone:
	case CryptAES:
		return ErrEncrypted
	default:
		return xerrors.Errorf("qcow: invalid crypt_method %d", h.CryptMethod)
	}
	return nil
}

// Open validates the image header in f and loads its L1 table.
func Open(f File) (*Image, error) {
	hdr, err := ReadHeader(f)
	if err != nil {
		return nil, err
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	img := &Image{
		f:                  f,
		hdr:                hdr,
		clusterSize:        hdr.clusterSize(),
		l2Size:             1 << hdr.L2Bits,
		clusterOffsetMask:  (1 << (63 - uint(hdr.ClusterBits))) - 1,
		clusterCacheOffset: -1,
		end:                st.Size(),
	}

	l1Size := hdr.l1Size()
	if l1End := int64(hdr.L1TableOffset) + l1Size*entrySize; l1End > img.end {
		return nil, xerrors.Errorf("qcow: truncated image: L1 table ends at %d, file size is %d", l1End, img.end)
	}
	buf := make([]byte, l1Size*entrySize)
	if err := readFull(f, buf, int64(hdr.L1TableOffset)); err != nil {
		return nil, xerrors.Errorf("reading L1 table: %w", err)
	}
	img.l1 = make([]uint64, l1Size)
	for idx := range img.l1 {
		img.l1[idx] = binary.BigEndian.Uint64(buf[idx*entrySize:])
	}

	if hdr.BackingFileOffset != 0 {
		n := int64(hdr.BackingFileSize)
		if n > maxBackingName {
			n = maxBackingName
		}
		name := make([]byte, n)
		if err := readFull(f, name, int64(hdr.BackingFileOffset)); err != nil {
			return nil, xerrors.Errorf("reading backing file name: %w", err)
		}
		img.BackingFile = string(name)
	}

	img.clusterCache = make([]byte, img.clusterSize)
	return img, nil
}

// Header returns the header the image was opened with.
func (img *Image) Header() Header { return img.hdr }

// Size returns the size of the virtual disk in bytes.
func (img *Image) Size() int64 { return int64(img.hdr.Size) }

// ClusterSize returns the allocation unit in bytes.
func (img *Image) ClusterSize() int64 { return img.clusterSize }

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (img *Image) writeEntry(tableOffset uint64, idx int64, val uint64) error {
	var buf [entrySize]byte
	binary.BigEndian.PutUint64(buf[:], val)
	_, err := img.f.WriteAt(buf[:], int64(tableOffset)+idx*entrySize)
	return err
}

// alignedEnd returns the end of file rounded up to the cluster size, which is
// where the next cluster or L2 table is allocated.
func (img *Image) alignedEnd() int64 {
	return (img.end + img.clusterSize - 1) &^ (img.clusterSize - 1)
}

// l2Table returns the L2 table at offset, from the cache if possible. A fresh
// table is zeroed on disk instead of being read.
func (img *Image) l2Table(offset uint64, fresh bool) ([]uint64, error) {
	for i := range img.l2Cache {
		e := &img.l2Cache[i]
		if e.offset != offset {
			continue
		}
		e.count++
		if e.count == ^uint32(0) {
			for j := range img.l2Cache {
				img.l2Cache[j].count >>= 1
			}
		}
		return e.table, nil
	}

	// Not cached: replace the least used entry.
	minIdx := 0
	minCount := ^uint32(0)
	for i, e := range img.l2Cache {
		if e.count < minCount {
			minCount = e.count
			minIdx = i
		}
	}
	e := &img.l2Cache[minIdx]
	e.offset = 0
	if e.table == nil {
		e.table = make([]uint64, img.l2Size)
	}
	buf := make([]byte, img.l2Size*entrySize)
	if fresh {
		if _, err := img.f.WriteAt(buf, int64(offset)); err != nil {
			return nil, xerrors.Errorf("writing L2 table: %w", err)
		}
		if end := int64(offset) + int64(len(buf)); end > img.end {
			img.end = end
		}
	} else {
		if err := readFull(img.f, buf, int64(offset)); err != nil {
			return nil, xerrors.Errorf("reading L2 table at %d: %w", offset, err)
		}
	}
	for idx := range e.table {
		e.table[idx] = binary.BigEndian.Uint64(buf[idx*entrySize:])
	}
	e.offset = offset
	e.count = 1
	return e.table, nil
}

type allocation int

const (
	noAlloc allocation = iota
	allocNormal
	allocCompressed
)

// clusterOffset returns the L2 entry mapping the cluster containing off,
// allocating as requested:
//
//   - noAlloc returns 0 for unallocated clusters.
//   - allocNormal allocates an uncompressed cluster which will be written
//     from byte start to byte end (relative to the cluster). Compressed
//     clusters are replaced by uncompressed ones, preserving their contents
//     if the write does not cover the whole cluster.
//   - allocCompressed reserves csize bytes at the end of the file. The
//     caller writes the compressed data.
func (img *Image) clusterOffset(off int64, alloc allocation, csize int, start, end int64) (uint64, error) {
	shift := uint(img.hdr.L2Bits) + uint(img.hdr.ClusterBits)
	l1Index := off >> shift
	l2Offset := img.l1[l1Index]
	fresh := false
	if l2Offset == 0 {
		if alloc == noAlloc {
			return 0, nil
		}
		l2Offset = uint64(img.alignedEnd())
		if err := img.writeEntry(img.hdr.L1TableOffset, l1Index, l2Offset); err != nil {
			return 0, xerrors.Errorf("updating L1 table: %w", err)
		}
		img.l1[l1Index] = l2Offset
		fresh = true
	}
	table, err := img.l2Table(l2Offset, fresh)
	if err != nil {
		return 0, err
	}
	l2Index := (off >> uint(img.hdr.ClusterBits)) & (img.l2Size - 1)
	co := table[l2Index]
	if alloc == noAlloc {
		return co, nil
	}
	compressed := co&oflagCompressed != 0
	if co != 0 && !(compressed && alloc == allocNormal) {
		return co, nil
	}

	switch {
	case compressed && end-start < img.clusterSize:
		// Keep the parts of the cluster the write does not cover.
		if err := img.decompressCluster(co); err != nil {
			return 0, err
		}
		newOffset := img.alignedEnd()
		if _, err := img.f.WriteAt(img.clusterCache, newOffset); err != nil {
			return 0, err
		}
		img.end = newOffset + img.clusterSize
		co = uint64(newOffset)

	case alloc == allocNormal:
		newOffset := img.alignedEnd()
		if err := img.f.Truncate(newOffset + img.clusterSize); err != nil {
			return 0, err
		}
		img.end = newOffset + img.clusterSize
		co = uint64(newOffset)

	default:
		co = uint64(img.end) | oflagCompressed | uint64(csize)<<(63-uint(img.hdr.ClusterBits))
	}

	table[l2Index] = co
	if err := img.writeEntry(l2Offset, l2Index, co); err != nil {
		return 0, xerrors.Errorf("updating L2 table: %w", err)
	}
	return co, nil
}

func (img *Image) decompressCluster(co uint64) error {
	coffset := int64(co & img.clusterOffsetMask)
	if img.clusterCacheOffset == coffset {
		return nil
	}
	csize := int64(co>>(63-uint(img.hdr.ClusterBits))) & (img.clusterSize - 1)
	data := make([]byte, csize)
	if err := readFull(img.f, data, coffset); err != nil {
		return xerrors.Errorf("reading compressed cluster at %d: %w", coffset, err)
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	if _, err := io.ReadFull(r, img.clusterCache); err != nil {
		img.clusterCacheOffset = -1
		return xerrors.Errorf("decompressing cluster at %d: %w", coffset, err)
	}
	img.clusterCacheOffset = coffset
	return nil
}

// ReadAt reads len(p) bytes of the virtual disk starting at off.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("qcow: negative offset %d", off)
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	size := int64(img.hdr.Size)
	if off >= size {
		return 0, io.EOF
	}
	var eof bool
	if remaining := size - off; int64(len(p)) > remaining {
		p = p[:remaining]
		eof = true
	}
	var n int
	for len(p) > 0 {
		co, err := img.clusterOffset(off, noAlloc, 0, 0, 0)
		if err != nil {
			return n, err
		}
		inCluster := off & (img.clusterSize - 1)
		chunk := img.clusterSize - inCluster
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		switch {
		case co == 0:
			for i := range p[:chunk] {
				p[i] = 0
			}
		case co&oflagCompressed != 0:
			if err := img.decompressCluster(co); err != nil {
				return n, err
			}
			copy(p[:chunk], img.clusterCache[inCluster:])
		default:
			if err := readFull(img.f, p[:chunk], int64(co)+inCluster); err != nil {
				return n, xerrors.Errorf("reading cluster at %d: %w", co, err)
			}
		}
		n += int(chunk)
		off += chunk
		p = p[chunk:]
	}
	if eof {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p to the virtual disk at off, allocating clusters as needed.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.writeAt(p, off)
}

func (img *Image) writeAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(img.hdr.Size)-int64(len(p)) {
		return 0, ErrOutOfRange
	}
	// Any write may replace the cached compressed cluster.
	defer func() { img.clusterCacheOffset = -1 }()
	var n int
	for len(p) > 0 {
		inCluster := off & (img.clusterSize - 1)
		chunk := img.clusterSize - inCluster
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		co, err := img.clusterOffset(off, allocNormal, 0, inCluster, inCluster+chunk)
		if err != nil {
			return n, err
		}
		if _, err := img.f.WriteAt(p[:chunk], int64(co)+inCluster); err != nil {
			return n, err
		}
		n += int(chunk)
		off += chunk
		p = p[chunk:]
	}
	return n, nil
}

// WriteCompressed stores data, which must be exactly one cluster long, as the
// compressed contents of cluster idx. Data which does not compress, or a
// cluster which is already allocated, is written uncompressed instead.
func (img *Image) WriteCompressed(idx int64, data []byte) error {
	if got, want := int64(len(data)), img.clusterSize; got != want {
		return xerrors.Errorf("qcow: compressed write of %d bytes, want %d", got, want)
	}
	clusters := (int64(img.hdr.Size) + img.clusterSize - 1) / img.clusterSize
	if idx < 0 || idx >= clusters {
		return ErrOutOfRange
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	off := idx * img.clusterSize
	if remaining := int64(img.hdr.Size) - off; remaining < img.clusterSize {
		data = data[:remaining] // only the part within the virtual disk can be read back
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	existing, err := img.clusterOffset(off, noAlloc, 0, 0, 0)
	if err != nil {
		return err
	}
	if existing != 0 || int64(buf.Len()) >= img.clusterSize || int64(len(data)) < img.clusterSize {
		_, err := img.writeAt(data, off)
		return err
	}

	co, err := img.clusterOffset(off, allocCompressed, buf.Len(), 0, 0)
	if err != nil {
		return err
	}
	coffset := int64(co & img.clusterOffsetMask)
	if _, err := img.f.WriteAt(buf.Bytes(), coffset); err != nil {
		return err
	}
	img.end = coffset + int64(buf.Len())
	return nil
}

// Allocated returns the number of clusters which have data (compressed or
// not) allocated in the image.
func (img *Image) Allocated() (clusters int64, compressed int64, _ error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	for _, l2Offset := range img.l1 {
		if l2Offset == 0 {
			continue
		}
		table, err := img.l2Table(l2Offset, false)
		if err != nil {
			return 0, 0, err
		}
		for _, co := range table {
			if co == 0 {
				continue
			}
			clusters++
			if co&oflagCompressed != 0 {
				compressed++
			}
		}
	}
	return clusters, compressed, nil
}
