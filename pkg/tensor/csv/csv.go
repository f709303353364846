// Package csv stores tensors as text: a "# shape: d0,d1,..." line followed by one
// comma-separated row per slice of the last axis.
//
// Values are printed with the shortest representation that parses back to the same
// float32, so a save/load round-trip is exact.
package csv

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

const shapePrefix = "# shape:"

// Write encodes t.
func Write(t *tensor.Tensor, w io.Writer) error {
	if !t.Populated() {
		return errdefs.Shapef("cannot save a tensor without data")
	}
	bw := bufio.NewWriter(w)

	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = strconv.Itoa(d)
	}
	fmt.Fprintf(bw, "%s %s\n", shapePrefix, strings.Join(dims, ","))

	rowLen := 1
	if t.Rank() > 0 {
		rowLen = t.Shape[t.Rank()-1]
	}
	cw := csv.NewWriter(bw)
	if rowLen > 0 {
		row := make([]string, rowLen)
		for start := 0; start < len(t.Data); start += rowLen {
			for i, v := range t.Data[start : start+rowLen] {
				row[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
			}
			if err := cw.Write(row); err != nil {
				return errdefs.Mark(fmt.Errorf("writing csv row: %w", err), errdefs.ErrIO)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errdefs.Mark(fmt.Errorf("writing csv: %w", err), errdefs.ErrIO)
	}
	if err := bw.Flush(); err != nil {
		return errdefs.Mark(fmt.Errorf("writing csv: %w", err), errdefs.ErrIO)
	}
	return nil
}

// Read decodes a tensor written by Write. Files without a shape line are read as a
// vector of all values.
func Read(r io.Reader) (*tensor.Tensor, error) {
	br := bufio.NewReader(r)
	var shape []int
	if peek, _ := br.Peek(len(shapePrefix)); string(peek) == shapePrefix {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, errdefs.Mark(fmt.Errorf("reading shape line: %w", err), errdefs.ErrIO)
		}
		dims := strings.TrimSpace(strings.TrimPrefix(line, shapePrefix))
		if dims != "" {
			shape, err = tensor.ParseShape(dims)
			if err != nil {
				return nil, errdefs.Mark(err, errdefs.ErrIO)
			}
		} else {
			shape = []int{}
		}
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var values []float32
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("reading csv: %w", err), errdefs.ErrIO)
		}
		for _, field := range record {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errdefs.IOf("invalid value %q: %v", field, err)
			}
			values = append(values, float32(v))
		}
	}

	if shape == nil {
		shape = []int{len(values)}
	}
	t, err := tensor.Wrap(values, shape, true)
	if err != nil {
		return nil, errdefs.Mark(err, errdefs.ErrIO)
	}
	if t.Data == nil {
		t.Data = []float32{}
	}
	return t, nil
}

// Load reads a tensor from filePath.
func Load(filePath string) (*tensor.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errdefs.Mark(fmt.Errorf("opening %q: %w", filePath, err), errdefs.ErrIO)
	}
	defer f.Close()
	return Read(f)
}

// Save writes t to filePath.
func Save(t *tensor.Tensor, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errdefs.Mark(fmt.Errorf("creating %q: %w", filePath, err), errdefs.ErrIO)
	}
	if err := Write(t, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errdefs.Mark(fmt.Errorf("closing %q: %w", filePath, err), errdefs.ErrIO)
	}
	return nil
}
