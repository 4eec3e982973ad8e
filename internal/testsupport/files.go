package testsupport

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/nifti"
)

// WriteFile creates path, and its parent directories, holding size bytes.
// A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, int(size)), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Touch writes a small non-empty file at path and returns path.
func Touch(t testing.TB, path string) string {
	t.Helper()
	WriteFile(t, path, 8)
	return path
}

// WriteNIfTI writes a little-endian float32 NIfTI-1 header with 1mm voxels
// and the given dimensions. Paths ending in .gz are gzip-compressed. No
// voxel data follows the header.
func WriteNIfTI(t testing.TB, path string, dims ...int16) string {
	t.Helper()
	h := nifti.Header{
		SizeOfHdr: nifti.HeaderSize,
		DataType:  nifti.DTFloat32,
		BitPix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		QFormCode: 1,
		SFormCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = int16(len(dims))
	h.PixDim[0] = 1
	for i, d := range dims {
		h.Dim[i+1] = d
		h.PixDim[i+1] = 1
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		t.Fatalf("encode nifti header: %v", err)
	}
	buf.Write(make([]byte, 4))
	data := buf.Bytes()
	if strings.HasSuffix(path, ".gz") {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(data); err != nil {
			t.Fatalf("gzip %s: %v", path, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("gzip %s: %v", path, err)
		}
		data = gz.Bytes()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
