package img

import (
	"context"
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"github.com/molimg/molimg/internal/qcow"
	"github.com/molimg/molimg/internal/trace"
	"golang.org/x/xerrors"
)

// rawChunkSize is the granularity in which raw output is checked for zeros.
const rawChunkSize = 64 * 1024

// ConvertOptions configure Convert.
type ConvertOptions struct {
	Type Type // output image type

	// Compress stores qcow output clusters compressed.
	Compress bool

	// Progress, if non-nil, is called after each chunk with the number of
	// bytes processed so far and the virtual disk size.
	Progress func(done, total int64)
}

// Convert copies the virtual disk of the image at src into a new image of
// type opts.Type at dst. Zero-filled regions are left unallocated (qcow) or
// as holes (raw).
func Convert(ctx context.Context, dst, src string, opts ConvertOptions) error {
	ev := trace.Event("convert "+src, trace.TidImage)
	defer ev.Done()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	disk, _, err := OpenDisk(in)
	if err != nil {
		return err
	}
	size := disk.Size()
	if size <= 0 {
		return xerrors.Errorf("%s: empty virtual disk", src)
	}

	out, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	var (
		w         io.WriterAt
		chunkSize int64
		q         *qcow.Image
	)
	switch opts.Type {
	case Raw:
		if err := out.Truncate(size); err != nil {
			return err
		}
		w, chunkSize = out, rawChunkSize
	case Qcow:
		if err := qcow.Create(out, size); err != nil {
			return err
		}
		q, err = qcow.Open(out.File)
		if err != nil {
			return err
		}
		w, chunkSize = q, q.ClusterSize()
	default:
		return xerrors.Errorf("unknown image type %v", opts.Type)
	}

	buf := make([]byte, chunkSize)
	for off := int64(0); off < size; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := disk.ReadAt(buf, off)
		if err != nil && !(err == io.EOF && int64(n) == size-off) {
			return xerrors.Errorf("reading %s at %d: %w", src, off, err)
		}
		chunk := buf[:n]
		if !isZero(chunk) {
			if opts.Compress && q != nil {
				for i := n; i < len(buf); i++ {
					buf[i] = 0
				}
				err = q.WriteCompressed(off/chunkSize, buf)
			} else {
				_, err = w.WriteAt(chunk, off)
			}
			if err != nil {
				return xerrors.Errorf("writing %s at %d: %w", dst, off, err)
			}
		}
		if opts.Progress != nil {
			opts.Progress(off+int64(n), size)
		}
	}

	if err := out.Chmod(0644); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ExportGzip writes the virtual disk contents of the image at src to w,
// gzip-compressed.
func ExportGzip(ctx context.Context, w io.Writer, src string) error {
	ev := trace.Event("export "+src, trace.TidImage)
	defer ev.Done()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	disk, _, err := OpenDisk(in)
	if err != nil {
		return err
	}
	zw := pgzip.NewWriter(w)
	r := &ctxReader{ctx: ctx, r: io.NewSectionReader(disk, 0, disk.Size())}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close() // stops the compression goroutines
		return err
	}
	return zw.Close()
}
