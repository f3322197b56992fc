// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

// countMatrix is a sparse features-by-cells count matrix with
// identifier-keyed row and column lookup. The underlying buffers stay
// with the matrix; Row returns a fresh dense copy.
type countMatrix struct {
	rowIDs []string
	colIDs []string
	rowIdx map[string]int
	colIdx map[string]int
	counts *sparse.CSR
}

func (m *countMatrix) HasRow(id string) bool {
	_, ok := m.rowIdx[id]
	return ok
}

// Row returns a dense copy of the counts for one feature, in colIDs
// order. kind is used in the error when id is unknown.
func (m *countMatrix) Row(kind, id string) ([]float64, error) {
	i, ok := m.rowIdx[id]
	if !ok {
		return nil, &LookupError{Kind: kind, ID: id}
	}
	out := make([]float64, len(m.colIDs))
	mat.Row(out, i, m.counts)
	return out, nil
}

func open(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, f}, nil
}

// loadNames reads one identifier per line (first tab-separated field,
// so 10x-style features.tsv files work as-is).
func loadNames(fnm string) ([]string, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var names []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return names, nil
}

// loadCountMatrix reads a features-by-cells count matrix. matrixFnm
// may be MatrixMarket coordinate format (.mtx, .mtx.gz) or a dense
// numpy array (.npy); row and column identifiers come from separate
// name files in matching order.
func loadCountMatrix(matrixFnm, rowsFnm, colsFnm string) (*countMatrix, error) {
	rowIDs, err := loadNames(rowsFnm)
	if err != nil {
		return nil, err
	}
	colIDs, err := loadNames(colsFnm)
	if err != nil {
		return nil, err
	}
	var csr *sparse.CSR
	if strings.HasSuffix(matrixFnm, ".npy") {
		csr, err = readNpyCounts(matrixFnm)
	} else {
		csr, err = readMatrixMarket(matrixFnm)
	}
	if err != nil {
		return nil, err
	}
	r, c := csr.Dims()
	if r != len(rowIDs) || c != len(colIDs) {
		return nil, fmt.Errorf("%s: matrix is %d x %d but have %d row names, %d column names", matrixFnm, r, c, len(rowIDs), len(colIDs))
	}
	m := &countMatrix{
		rowIDs: rowIDs,
		colIDs: colIDs,
		rowIdx: make(map[string]int, len(rowIDs)),
		colIdx: make(map[string]int, len(colIDs)),
		counts: csr,
	}
	for i, id := range rowIDs {
		if _, dup := m.rowIdx[id]; dup {
			return nil, fmt.Errorf("%s: duplicate row identifier %q", rowsFnm, id)
		}
		m.rowIdx[id] = i
	}
	for j, id := range colIDs {
		if _, dup := m.colIdx[id]; dup {
			return nil, fmt.Errorf("%s: duplicate column identifier %q", colsFnm, id)
		}
		m.colIdx[id] = j
	}
	return m, nil
}

func readMatrixMarket(fnm string) (*sparse.CSR, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	header := scanner.Text()
	if !strings.HasPrefix(header, "%%MatrixMarket matrix coordinate") {
		return nil, fmt.Errorf("%s: not a MatrixMarket coordinate file: %q", fnm, header)
	}
	var dok *sparse.DOK
	lineNum := 1
	entries := 0
	declared := -1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if dok == nil {
			if len(fields) != 3 {
				return nil, fmt.Errorf("%s line %d: expected 'rows cols nnz', got %q", fnm, lineNum, line)
			}
			r, err1 := strconv.Atoi(fields[0])
			c, err2 := strconv.Atoi(fields[1])
			nnz, err3 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, fmt.Errorf("%s line %d: cannot parse size line %q", fnm, lineNum, line)
			}
			dok = sparse.NewDOK(r, c)
			declared = nnz
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s line %d: expected 'row col value', got %q", fnm, lineNum, line)
		}
		i, err1 := strconv.Atoi(fields[0])
		j, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%s line %d: cannot parse entry %q", fnm, lineNum, line)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s line %d: negative count %g", fnm, lineNum, v)
		}
		r, c := dok.Dims()
		if i < 1 || i > r || j < 1 || j > c {
			return nil, fmt.Errorf("%s line %d: entry (%d,%d) outside %d x %d matrix", fnm, lineNum, i, j, r, c)
		}
		if v != 0 {
			dok.Set(i-1, j-1, v)
		}
		entries++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if dok == nil {
		return nil, fmt.Errorf("%s: missing size line", fnm)
	}
	if declared >= 0 && entries != declared {
		return nil, fmt.Errorf("%s: header declares %d entries, found %d", fnm, declared, entries)
	}
	return dok.ToCSR(), nil
}

func readNpyCounts(fnm string) (*sparse.CSR, error) {
	npr, err := gonpy.NewFileReader(fnm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(npr.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2-dimensional array, got shape %v", fnm, npr.Shape)
	}
	rows, cols := npr.Shape[0], npr.Shape[1]
	var data []float64
	switch npr.Dtype {
	case "f8":
		data, err = npr.GetFloat64()
	case "i8":
		var d []int64
		d, err = npr.GetInt64()
		if err == nil {
			data = make([]float64, len(d))
			for i, v := range d {
				data[i] = float64(v)
			}
		}
	case "i4":
		var d []int32
		d, err = npr.GetInt32()
		if err == nil {
			data = make([]float64, len(d))
			for i, v := range d {
				data[i] = float64(v)
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %q", fnm, npr.Dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	dok := sparse.NewDOK(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			var v float64
			if npr.ColumnMajor {
				v = data[i+j*rows]
			} else {
				v = data[i*cols+j]
			}
			if v < 0 {
				return nil, fmt.Errorf("%s: negative count %g at (%d,%d)", fnm, v, i, j)
			}
			if v != 0 {
				dok.Set(i, j, v)
			}
		}
	}
	return dok.ToCSR(), nil
}

// validateInputs checks the structural invariants that hold across the
// whole run: the two matrices describe the same cells, and the
// metadata table covers the configured columns. It runs once, before
// any pair is processed, and aggregates all violations.
func validateInputs(expr, acc *countMatrix, meta *cellMetadata, celltypeCol string, covariates []string) error {
	var problems []string
	if len(expr.colIDs) != len(acc.colIDs) {
		problems = append(problems, fmt.Sprintf("expression matrix has %d cells, accessibility matrix has %d", len(expr.colIDs), len(acc.colIDs)))
	}
	missing := 0
	for _, id := range expr.colIDs {
		if _, ok := acc.colIdx[id]; !ok {
			missing++
		}
	}
	if missing > 0 {
		problems = append(problems, fmt.Sprintf("%d expression-matrix cells absent from accessibility matrix", missing))
	}
	if _, ok := meta.columns[celltypeCol]; !ok {
		problems = append(problems, fmt.Sprintf("metadata has no cell-type column %q", celltypeCol))
	}
	for _, cov := range covariates {
		if _, ok := meta.columns[cov]; !ok {
			problems = append(problems, fmt.Sprintf("metadata has no covariate column %q", cov))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
