// Package nifti reads NIfTI-1 headers from .nii and .nii.gz files.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// HeaderSize is the fixed size of a NIfTI-1 header.
const HeaderSize = 348

// ErrInvalidHeader marks a file that is not a readable NIfTI-1 image.
var ErrInvalidHeader = errors.New("invalid nifti-1 header")

// Header mirrors the on-disk NIfTI-1 header layout.
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8 / byte
type Header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GLMax      int32
	GLMin      int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte

	Magic [4]byte
}

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// Datatype codes.
const (
	DTUnknown = 0
	DTBinary  = 1
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

var dataTypeNames = map[int16]string{
	DTUint8:   "uint8",
	DTInt16:   "int16",
	DTInt32:   "int32",
	DTFloat32: "float32",
	DTFloat64: "float64",
	DTInt8:    "int8",
	DTUint16:  "uint16",
	DTUint32:  "uint32",
	DTInt64:   "int64",
	DTUint64:  "uint64",
}

// Info is the summary anatprep reports for an image.
type Info struct {
	Path      string    `json:"path"`
	ByteOrder string    `json:"byte_order"`
	Dims      []int     `json:"dims"`
	VoxelSize []float64 `json:"voxel_size"`
	DataType  string    `json:"datatype"`
	BitPix    int       `json:"bitpix"`
	SclSlope  float64   `json:"scl_slope"`
	SclInter  float64   `json:"scl_inter"`
	QFormCode int       `json:"qform_code"`
	SFormCode int       `json:"sform_code"`
	Descrip   string    `json:"descrip,omitempty"`
}

// Voxels returns the product of the spatial and temporal dimensions.
func (i Info) Voxels() int {
	if len(i.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range i.Dims {
		n *= d
	}
	return n
}

// ReadHeader decodes a header from r, inferring byte order from dim[0].
func ReadHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("%w: short header: %w", ErrInvalidHeader, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return Header{}, nil, fmt.Errorf("%w: cannot infer byte order from dim[0]", ErrInvalidHeader)
		}
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

// Validate checks size, magic and datatype.
func (h Header) Validate() error {
	switch {
	case h.SizeOfHdr != HeaderSize:
		return fmt.Errorf("%w: sizeof_hdr is %d", ErrInvalidHeader, h.SizeOfHdr)
	case h.Magic != magicSingle && h.Magic != magicPair:
		return fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, cString(h.Magic[:]))
	case h.DataType == DTUnknown || h.DataType == DTBinary:
		return fmt.Errorf("%w: unsupported datatype %d", ErrInvalidHeader, h.DataType)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("%w: dim[%d] is %d", ErrInvalidHeader, i, h.Dim[i])
		}
	}
	return nil
}

// Read opens path (gzip-compressed when it ends in .gz) and summarizes its header.
func Read(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %s: %w", ErrInvalidHeader, path, err)
		}
		defer gz.Close()
		r = gz
	}

	h, order, err := ReadHeader(r)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return h.Info(path, order), nil
}

// Info summarizes h.
func (h Header) Info(path string, order binary.ByteOrder) Info {
	ndim := int(h.Dim[0])
	info := Info{
		Path:      path,
		ByteOrder: order.String(),
		Dims:      make([]int, ndim),
		VoxelSize: make([]float64, ndim),
		DataType:  DataTypeName(h.DataType),
		BitPix:    int(h.BitPix),
		SclSlope:  float64(h.SclSlope),
		SclInter:  float64(h.SclInter),
		QFormCode: int(h.QFormCode),
		SFormCode: int(h.SFormCode),
		Descrip:   cString(h.Descrip[:]),
	}
	for i := range ndim {
		info.Dims[i] = int(h.Dim[i+1])
		info.VoxelSize[i] = float64(h.PixDim[i+1])
	}
	return info
}

// DataTypeName returns a readable name for a datatype code.
func DataTypeName(code int16) string {
	if name, ok := dataTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("dt%d", code)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
