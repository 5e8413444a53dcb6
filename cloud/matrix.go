package cloud

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrNoRows is returned when a matrix source holds no data rows.
var ErrNoRows = errors.New("no data rows")

// ReadMatrixFile reads a point matrix from a text file.
func ReadMatrixFile(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening matrix file: %w", err)
	}
	defer f.Close()

	m, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ReadMatrix parses one point per line. Values may be separated by
// whitespace or commas; blank lines and lines starting with '#' are skipped.
// Every row must have the same number of columns.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	var (
		data []float64
		cols int
		rows int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == ';'
		})
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", line, cols, len(fields))
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing %q: %w", line, f, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading matrix: %w", err)
	}
	if rows == 0 {
		return nil, ErrNoRows
	}
	return mat.NewDense(rows, cols, data), nil
}

// WriteMatrix writes m one row per line with space separated values at
// full float64 precision.
func WriteMatrix(w io.Writer, m mat.Matrix) error {
	bw := bufio.NewWriter(w)
	r, c := m.Dims()
	buf := make([]byte, 0, 32)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				bw.WriteByte(' ')
			}
			buf = strconv.AppendFloat(buf[:0], m.At(i, j), 'g', -1, 64)
			bw.Write(buf)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteMatrixFile writes m to path, creating or truncating it.
func WriteMatrixFile(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating matrix file: %w", err)
	}
	if err := WriteMatrix(f, m); err != nil {
		f.Close()
		return fmt.Errorf("writing matrix file: %w", err)
	}
	return f.Close()
}
