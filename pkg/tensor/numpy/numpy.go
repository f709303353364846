// Package numpy reads and writes tensors in NumPy's .npy and .npz formats.
//
// Any numeric little-endian dtype is accepted on read and converted to float32; tensors
// are always written as '<f4', so a save/load round-trip is bit-exact.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

const magic = "\x93NUMPY"

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Load reads a .npy file.
func Load(filePath string) (*tensor.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errdefs.Mark(errors.Wrapf(err, "failed to open .npy file %q", filePath), errdefs.ErrIO)
	}
	defer func() { _ = file.Close() }()
	t, err := Read(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return t, nil
}

// Read decodes a .npy stream.
func Read(r io.Reader) (*tensor.Tensor, error) {
	preamble := make([]byte, 8)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errdefs.Mark(errors.Wrap(err, "failed to read magic string"), errdefs.ErrIO)
	}
	if string(preamble[:6]) != magic {
		return nil, errdefs.IOf("invalid .npy file format: magic string mismatch")
	}

	var headerLen uint32
	switch major := preamble[6]; {
	case major == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errdefs.Mark(errors.Wrap(err, "failed to read header length (v1.0)"), errdefs.ErrIO)
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case major >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errdefs.Mark(errors.Wrap(err, "failed to read header length (v2.0+)"), errdefs.ErrIO)
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
		if headerLen > 1<<20 {
			return nil, errdefs.IOf("header length %d is implausibly large", headerLen)
		}
	default:
		return nil, errdefs.IOf("unsupported .npy version: %d.%d", preamble[6], preamble[7])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errdefs.Mark(errors.Wrap(err, "failed to read header"), errdefs.ErrIO)
	}
	descr, shape, fortranOrder, err := parseHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}

	dec, err := decoderFor(descr)
	if err != nil {
		return nil, err
	}

	n := tensor.NumElements(shape)
	raw := make([]byte, n*dec.size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errdefs.Mark(errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(raw)), errdefs.ErrIO)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = dec.decode(raw[i*dec.size:])
	}

	if fortranOrder && len(shape) > 1 {
		cOrder := make([]float32, n)
		if err := tensor.ColumnMajorToRowMajor(shape, values, cOrder); err != nil {
			return nil, err
		}
		values = cOrder
	}
	return tensor.Wrap(values, shape, true)
}

// parseHeader extracts dtype, shape and fortran_order from a header such as
// "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 10), }".
func parseHeader(header string) (descr string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		return "", nil, false, errdefs.IOf("could not find 'descr' in header: %q", header)
	}
	descr = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		return "", nil, false, errdefs.IOf("could not find 'fortran_order' in header: %q", header)
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		return "", nil, false, errdefs.IOf("could not find 'shape' in header: %q", header)
	}
	shape = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			// Trailing comma in "(10,)".
			continue
		}
		d, pErr := strconv.Atoi(p)
		if pErr != nil || d < 0 {
			return "", nil, false, errdefs.IOf("invalid shape value %q in header", p)
		}
		shape = append(shape, d)
	}
	return descr, shape, fortranOrder, nil
}

type decoder struct {
	size   int
	decode func(b []byte) float32
}

func decoderFor(descr string) (decoder, error) {
	if strings.HasPrefix(descr, ">") {
		return decoder{}, errdefs.IOf("big-endian .npy files (%q) are not supported", descr)
	}
	le := binary.LittleEndian
	switch strings.TrimLeft(descr, "<=|") {
	case "f4":
		return decoder{4, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) }}, nil
	case "f8":
		return decoder{8, func(b []byte) float32 { return float32(math.Float64frombits(le.Uint64(b))) }}, nil
	case "f2":
		return decoder{2, func(b []byte) float32 { return float16.Frombits(le.Uint16(b)).Float32() }}, nil
	case "i1":
		return decoder{1, func(b []byte) float32 { return float32(int8(b[0])) }}, nil
	case "u1", "b1", "?":
		return decoder{1, func(b []byte) float32 { return float32(b[0]) }}, nil
	case "i2":
		return decoder{2, func(b []byte) float32 { return float32(int16(le.Uint16(b))) }}, nil
	case "i4":
		return decoder{4, func(b []byte) float32 { return float32(int32(le.Uint32(b))) }}, nil
	case "i8":
		return decoder{8, func(b []byte) float32 { return float32(int64(le.Uint64(b))) }}, nil
	default:
		return decoder{}, errdefs.IOf("unsupported NumPy dtype: %s", descr)
	}
}

// Write serializes t in .npy v1.0 format as '<f4'.
func Write(t *tensor.Tensor, w io.Writer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Populated() {
		return errdefs.Shapef("cannot save a tensor without data")
	}

	var shapeTuple string
	switch t.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", t.Shape[0])
	default:
		dims := make([]string, t.Rank())
		for i, d := range t.Shape {
			dims[i] = strconv.Itoa(d)
		}
		shapeTuple = "(" + strings.Join(dims, ", ") + ")"
	}

	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeTuple)
	// Magic (6) + version (2) + header length (2), then the header padded so the data
	// starts on a 16-byte boundary and ends in a newline.
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	out := make([]byte, 0, 10+header.Len()+4*len(t.Data))
	out = append(out, magic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(header.Len()))
	out = append(out, header.Bytes()...)
	for _, v := range t.Data {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	if _, err := w.Write(out); err != nil {
		return errdefs.Mark(errors.Wrap(err, "failed to write .npy data"), errdefs.ErrIO)
	}
	return nil
}

// Save writes t to filePath.
func Save(t *tensor.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errdefs.Mark(errors.Wrapf(err, "failed to create .npy file %q", filePath), errdefs.ErrIO)
	}
	if err := Write(t, file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return errdefs.Mark(errors.Wrapf(err, "closing %q", filePath), errdefs.ErrIO)
	}
	return nil
}

// LoadArchive reads a .npz file into a map keyed by array name.
func LoadArchive(filePath string) (map[string]*tensor.Tensor, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errdefs.Mark(errors.Wrapf(err, "failed to open .npz file %q", filePath), errdefs.ErrIO)
	}
	defer func() { _ = zr.Close() }()

	results := make(map[string]*tensor.Tensor)
	for _, f := range zr.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errdefs.IOf("invalid path in .npz archive: %q", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errdefs.Mark(errors.Wrapf(err, "failed to open %q within .npz", f.Name), errdefs.ErrIO)
		}
		t, err := Read(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = t
	}
	return results, nil
}

// SaveArchive writes named tensors to a .npz file.
func SaveArchive(tensors map[string]*tensor.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errdefs.Mark(errors.Wrapf(err, "failed to create .npz file %q", filePath), errdefs.ErrIO)
	}
	defer func() { _ = file.Close() }()

	zw := zip.NewWriter(file)
	for name, t := range tensors {
		w, err := zw.Create(name + ".npy")
		if err != nil {
			return errdefs.Mark(errors.Wrapf(err, "failed to create %q in .npz archive", name), errdefs.ErrIO)
		}
		if err := Write(t, w); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	if err := zw.Close(); err != nil {
		return errdefs.Mark(errors.Wrap(err, "failed to close zip archive"), errdefs.ErrIO)
	}
	return file.Close()
}
