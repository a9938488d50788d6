package qcow

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

func TestCreate(t *testing.T) {
	const size = 512 * 1024 * 1024
	var ws writerseeker.WriterSeeker
	if err := Create(&ws, size); err != nil {
		t.Fatal(err)
	}
	b, err := ioutil.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}
	// 512 MB in 2 MB (4 KB clusters * 512 L2 entries) chunks: 256 L1 entries
	if got, want := len(b), HeaderSize+256*8; got != want {
		t.Fatalf("unexpected image size: got %d, want %d", got, want)
	}
	if got, want := string(b[:4]), "QFI\xfb"; got != want {
		t.Errorf("unexpected magic: got %q, want %q", got, want)
	}
	hdr, err := ReadHeader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	want := Header{
		Magic:         Magic,
		Version:       Version,
		Size:          size,
		ClusterBits:   12,
		L2Bits:        9,
		CryptMethod:   CryptNone,
		L1TableOffset: HeaderSize,
	}
	if hdr != want {
		t.Fatalf("unexpected header: got %+v, want %+v", hdr, want)
	}
	for idx, c := range b[HeaderSize:] {
		if c != 0 {
			t.Fatalf("L1 table byte %d is %#x, want 0", idx, c)
		}
	}
}

func TestCreateInvalidSize(t *testing.T) {
	var ws writerseeker.WriterSeeker
	if err := Create(&ws, 0); err == nil {
		t.Fatal("Create(0) unexpectedly succeeded")
	}
}

func tempImage(t *testing.T, size int64) (*os.File, *Image) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "test.qcow"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := Create(f, size); err != nil {
		t.Fatal(err)
	}
	img, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	return f, img
}

func TestReadUnallocated(t *testing.T) {
	_, img := tempImage(t, 8*1024*1024)
	buf := bytes.Repeat([]byte{0xaa}, 10000)
	if _, err := img.ReadAt(buf, 4096*3+17); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Fatal("unallocated clusters did not read as zeros")
	}
}

func TestWriteRead(t *testing.T) {
	f, img := tempImage(t, 8*1024*1024)
	data := make([]byte, 3*4096+100)
	rand.New(rand.NewSource(1)).Read(data)
	const off = 2*1024*1024 - 1000 // spans two L2 tables
	if _, err := img.WriteAt(data, off); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if _, err := img.ReadAt(got, off); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read data differs from written data")
	}

	// The bytes surrounding the write must still be zero.
	around := make([]byte, 1000)
	if _, err := img.ReadAt(around, off-1000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(around, make([]byte, 1000)) {
		t.Fatal("bytes before the write are not zero")
	}

	clusters, compressed, err := img.Allocated()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := clusters, int64(4); got != want {
		t.Errorf("unexpected allocated cluster count: got %d, want %d", got, want)
	}
	if compressed != 0 {
		t.Errorf("unexpected compressed cluster count: got %d, want 0", compressed)
	}

	// Reopening the image must yield the same contents.
	reopened, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	got = make([]byte, len(data))
	if _, err := reopened.ReadAt(got, off); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data read after reopening differs from written data")
	}
}

func TestReadBeyondEnd(t *testing.T) {
	const size = 3*4096 + 512
	_, img := tempImage(t, size)
	buf := make([]byte, 1024)
	n, err := img.ReadAt(buf, size-512)
	if err != io.EOF {
		t.Fatalf("ReadAt = %v, want io.EOF", err)
	}
	if got, want := n, 512; got != want {
		t.Fatalf("ReadAt returned %d bytes, want %d", got, want)
	}
	if _, err := img.ReadAt(buf, size); err != io.EOF {
		t.Fatalf("ReadAt(size) = %v, want io.EOF", err)
	}
	if _, err := img.WriteAt(buf, size-512); err != ErrOutOfRange {
		t.Fatalf("WriteAt = %v, want ErrOutOfRange", err)
	}
}

func TestWriteHugeOffset(t *testing.T) {
	_, img := tempImage(t, 8*1024*1024)
	for _, off := range []int64{math.MaxInt64 - 1, math.MaxInt64 - 4095} {
		if _, err := img.WriteAt(make([]byte, 10), off); err != ErrOutOfRange {
			t.Errorf("WriteAt(off=%d) = %v, want ErrOutOfRange", off, err)
		}
	}
	data := bytes.Repeat([]byte("x"), int(img.ClusterSize()))
	for _, idx := range []int64{1 << 52, math.MaxInt64, 2048, -1} {
		if err := img.WriteCompressed(idx, data); err != ErrOutOfRange {
			t.Errorf("WriteCompressed(idx=%d) = %v, want ErrOutOfRange", idx, err)
		}
	}
	clusters, _, err := img.Allocated()
	if err != nil {
		t.Fatal(err)
	}
	if clusters != 0 {
		t.Errorf("out of range writes allocated %d clusters", clusters)
	}
}

func TestCompressed(t *testing.T) {
	f, img := tempImage(t, 8*1024*1024)
	cluster := bytes.Repeat([]byte("mol-img "), 4096/8)
	if err := img.WriteCompressed(5, cluster); err != nil {
		t.Fatal(err)
	}
	st, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	// header + L1 table, padding, one L2 table, a few compressed bytes
	if st.Size() >= 3*4096 {
		t.Errorf("image is %d bytes, compressed cluster takes too much space", st.Size())
	}
	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 5*4096); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, cluster) {
		t.Fatal("compressed cluster read back differently")
	}
	if _, compressed, err := img.Allocated(); err != nil || compressed != 1 {
		t.Fatalf("Allocated = %d compressed, %v, want 1, nil", compressed, err)
	}

	// A partial overwrite must keep the remainder of the cluster.
	patch := []byte("PATCHED")
	if _, err := img.WriteAt(patch, 5*4096+100); err != nil {
		t.Fatal(err)
	}
	want := append([]byte(nil), cluster...)
	copy(want[100:], patch)
	if _, err := img.ReadAt(got, 5*4096); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("partial overwrite of a compressed cluster lost data")
	}
	if _, compressed, err := img.Allocated(); err != nil || compressed != 0 {
		t.Fatalf("Allocated = %d compressed, %v, want 0, nil", compressed, err)
	}
}

func TestCompressedIncompressible(t *testing.T) {
	_, img := tempImage(t, 8*1024*1024)
	cluster := make([]byte, 4096)
	rand.New(rand.NewSource(2)).Read(cluster)
	if err := img.WriteCompressed(0, cluster); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, cluster) {
		t.Fatal("incompressible cluster read back differently")
	}
	if _, compressed, err := img.Allocated(); err != nil || compressed != 0 {
		t.Fatalf("Allocated = %d compressed, %v, want 0, nil", compressed, err)
	}
}

func TestL2CacheEviction(t *testing.T) {
	// More L2 tables than cache entries: every 2 MB needs its own table.
	const tables = l2CacheSize + 4
	_, img := tempImage(t, tables*2*1024*1024)
	for i := int64(0); i < tables; i++ {
		if _, err := img.WriteAt([]byte{byte(i + 1)}, i*2*1024*1024); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(0); i < tables; i++ {
		var b [1]byte
		if _, err := img.ReadAt(b[:], i*2*1024*1024); err != nil {
			t.Fatal(err)
		}
		if got, want := b[0], byte(i+1); got != want {
			t.Errorf("table %d: got %d, want %d", i, got, want)
		}
	}
}

func TestOpenInvalid(t *testing.T) {
	mutate := func(fn func(h *Header)) []byte {
		h := Header{
			Magic:         Magic,
			Version:       Version,
			Size:          1024 * 1024,
			ClusterBits:   12,
			L2Bits:        9,
			L1TableOffset: HeaderSize,
		}
		fn(&h)
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, &h)
		buf.Write(make([]byte, 8))
		return buf.Bytes()
	}
	for _, tt := range []struct {
		name    string
		content []byte
		wantErr error
	}{
		{name: "magic", content: mutate(func(h *Header) { h.Magic = 0x12345678 })},
		{name: "version", content: mutate(func(h *Header) { h.Version = 2 })},
		{name: "size", content: mutate(func(h *Header) { h.Size = 1 })},
		{name: "cluster_bits", content: mutate(func(h *Header) { h.ClusterBits = 8 })},
		{name: "l2_bits", content: mutate(func(h *Header) { h.L2Bits = 10 })},
		{name: "crypt", content: mutate(func(h *Header) { h.CryptMethod = 7 })},
		{name: "aes", content: mutate(func(h *Header) { h.CryptMethod = CryptAES }), wantErr: ErrEncrypted},
		{name: "truncated L1", content: mutate(func(h *Header) { h.Size = 1 << 30 })},
		{name: "short", content: []byte("QFI")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fn := filepath.Join(t.TempDir(), "invalid.qcow")
			if err := ioutil.WriteFile(fn, tt.content, 0644); err != nil {
				t.Fatal(err)
			}
			f, err := os.Open(fn)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			_, err = Open(f)
			if err == nil {
				t.Fatal("Open unexpectedly succeeded")
			}
			if tt.wantErr != nil && !xerrors.Is(err, tt.wantErr) {
				t.Fatalf("Open = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBackingFile(t *testing.T) {
	f, _ := tempImage(t, 1024*1024)
	const name = "base.img"
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte(name), off); err != nil {
		t.Fatal(err)
	}
	hdr, err := ReadHeader(f)
	if err != nil {
		t.Fatal(err)
	}
	hdr.BackingFileOffset = uint64(off)
	hdr.BackingFileSize = uint32(len(name))
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		t.Fatal(err)
	}
	img, err := Open(f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := img.BackingFile, name; got != want {
		t.Fatalf("unexpected backing file: got %q, want %q", got, want)
	}
}
