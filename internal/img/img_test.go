package img

import (
	"bytes"
	"compress/gzip"
	"context"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/molimg/molimg/internal/qcow"
)

func TestParseSize(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "4096", want: 4096},
		{in: "512M", want: 512 * 1024 * 1024},
		{in: "512m", want: 512 * 1024 * 1024},
		{in: "2G", want: 2 * 1024 * 1024 * 1024},
		{in: "64K", want: 64 * 1024},
		{in: "", wantErr: true},
		{in: "M", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5M", wantErr: true},
		{in: "12X", wantErr: true},
		{in: "99999999999G", wantErr: true},
	} {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSize(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{Raw, Qcow} {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != typ {
			t.Errorf("ParseType(%q) = %v, want %v", typ.String(), got, typ)
		}
	}
	if _, err := ParseType("vmdk"); err == nil {
		t.Error("ParseType(vmdk) unexpectedly succeeded")
	}
}

func TestCreateRaw(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "disk.img")
	if err := CreateRaw(fn, 16); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.Size(), int64(16*1024*1024); got != want {
		t.Errorf("unexpected size: got %d, want %d", got, want)
	}
	if got, want := st.Mode().Perm(), os.FileMode(0644); got != want {
		t.Errorf("unexpected permissions: got %v, want %v", got, want)
	}
	info, err := Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.Type, Raw; got != want {
		t.Errorf("unexpected type: got %v, want %v", got, want)
	}
}

func TestCreatePreallocated(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "disk.img")
	if err := Create(fn, Options{Type: Raw, Size: 1024 * 1024, Preallocate: true}); err != nil {
		t.Fatal(err)
	}
	info, err := Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.VirtualSize, int64(1024*1024); got != want {
		t.Errorf("unexpected size: got %d, want %d", got, want)
	}
}

func TestCreateQcow(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "mol.img")
	if err := CreateQcow(fn, 512); err != nil {
		t.Fatal(err)
	}
	got, err := Stat(fn)
	if err != nil {
		t.Fatal(err)
	}
	got.DiskUsage = 0 // file system dependent
	want := &Info{
		Type:        Qcow,
		VirtualSize: 512 * 1024 * 1024,
		FileSize:    qcow.HeaderSize + 256*8,
		ClusterSize: 4096,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Stat: unexpected result: diff (-want +got):\n%s", diff)
	}
}

func TestCreateReplacesAtomically(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "mol.img")
	if err := ioutil.WriteFile(fn, []byte("old contents"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CreateQcow(fn, 1); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	typ, err := Detect(f)
	if err != nil {
		t.Fatal(err)
	}
	if typ != Qcow {
		t.Fatalf("Detect = %v, want %v", typ, Qcow)
	}
}

// writeRaw writes a raw image of size bytes with data at the given offsets.
func writeRaw(t *testing.T, fn string, size int64, writes map[int64][]byte) {
	t.Helper()
	if err := Create(fn, Options{Type: Raw, Size: size}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for off, b := range writes {
		if _, err := f.WriteAt(b, off); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConvertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	const size = 4*1024*1024 + 1000 // not a multiple of the cluster size
	random := make([]byte, 8192)
	rand.New(rand.NewSource(3)).Read(random)
	writes := map[int64][]byte{
		0:               []byte("boot block"),
		1024 * 1024:     bytes.Repeat([]byte("compressible "), 1000),
		3*1024*1024 + 5: random,
		size - 10:       []byte("last bytes"),
	}
	src := filepath.Join(dir, "src.img")
	writeRaw(t, src, size, writes)
	want, err := ioutil.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	for _, compress := range []bool{false, true} {
		qc := filepath.Join(dir, "conv.qcow")
		var lastDone, total int64
		opts := ConvertOptions{
			Type:     Qcow,
			Compress: compress,
			Progress: func(done, tot int64) { lastDone, total = done, tot },
		}
		if err := Convert(context.Background(), qc, src, opts); err != nil {
			t.Fatal(err)
		}
		if lastDone != size || total != size {
			t.Errorf("progress ended at %d/%d, want %d/%d", lastDone, total, size, size)
		}
		info, err := Stat(qc)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := info.VirtualSize, int64(size); got != want {
			t.Errorf("unexpected virtual size: got %d, want %d", got, want)
		}
		if compress && info.CompressedClusters == 0 {
			t.Error("no clusters were stored compressed")
		}
		if !compress && info.CompressedClusters != 0 {
			t.Errorf("%d clusters were stored compressed, want 0", info.CompressedClusters)
		}
		// Only clusters touched by writes are allocated.
		if info.Clusters > 10 {
			t.Errorf("%d clusters allocated, want at most 10", info.Clusters)
		}

		back := filepath.Join(dir, "back.img")
		if err := Convert(context.Background(), back, qc, ConvertOptions{Type: Raw}); err != nil {
			t.Fatal(err)
		}
		got, err := ioutil.ReadFile(back)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("compress=%v: raw → qcow → raw changed the disk contents", compress)
		}
	}
}

func TestConvertCanceled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	writeRaw(t, src, 1024*1024, nil)
	ctx, canc := context.WithCancel(context.Background())
	canc()
	dst := filepath.Join(dir, "dst.qcow")
	if err := Convert(ctx, dst, src, ConvertOptions{Type: Qcow}); err != context.Canceled {
		t.Fatalf("Convert = %v, want %v", err, context.Canceled)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("canceled Convert left %s behind (stat: %v)", dst, err)
	}
}

func TestExportGzipCanceled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	writeRaw(t, src, 64*1024, nil)
	ctx, canc := context.WithCancel(context.Background())
	canc()
	var buf bytes.Buffer
	if err := ExportGzip(ctx, &buf, src); err != context.Canceled {
		t.Fatalf("ExportGzip = %v, want %v", err, context.Canceled)
	}
	// The writer was closed: the output is a complete, empty gzip stream.
	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("canceled export wrote %d bytes of disk contents", len(got))
	}
}

func TestExportGzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	writeRaw(t, src, 64*1024, map[int64][]byte{100: []byte("hello")})
	qc := filepath.Join(dir, "src.qcow")
	if err := Convert(context.Background(), qc, src, ConvertOptions{Type: Qcow}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := ExportGzip(context.Background(), &buf, qc); err != nil {
		t.Fatal(err)
	}
	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	want, err := ioutil.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("exported contents differ from the source image")
	}
}
