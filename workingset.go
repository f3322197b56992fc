// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"golang.org/x/exp/rand"
)

// minNonzeroFraction is the sparsity screen threshold: a pair is only
// tested if outcome and accessibility are each nonzero in more than
// this fraction of cells.
const minNonzeroFraction = 0.05

// workingSet holds the per-cell data for one (gene, region) pair,
// restricted to one cell type and aligned by cell identifier. It is
// owned by the worker processing the pair and never shared.
type workingSet struct {
	cells      []string
	outcome    []float64
	access     []float64
	covarNames []string
	covars     [][]float64 // covars[k] aligned with covarNames[k]
}

func (ws *workingSet) Len() int { return len(ws.cells) }

// assembleWorkingSet joins the gene's expression row, the region's
// accessibility row, and the metadata table on cell identifier (inner
// join), keeps cells with the requested cell-type label, and
// optionally binarizes accessibility (any positive count -> 1).
func assembleWorkingSet(expr, acc *countMatrix, meta *cellMetadata, gene, region, celltypeCol, celltype string, covariates []string, binarize bool) (*workingSet, error) {
	exprRow, err := expr.Row("gene", gene)
	if err != nil {
		return nil, err
	}
	accRow, err := acc.Row("region", region)
	if err != nil {
		return nil, err
	}
	celltypes, covarCols, err := metaColumns(meta, celltypeCol, covariates)
	if err != nil {
		return nil, err
	}
	ws := &workingSet{covarNames: covariates, covars: make([][]float64, len(covariates))}
	for i, cell := range expr.colIDs {
		j, ok := acc.colIdx[cell]
		if !ok {
			continue
		}
		row, ok := meta.index[cell]
		if !ok {
			continue
		}
		if celltypes[row] != celltype {
			continue
		}
		a := accRow[j]
		if binarize && a > 0 {
			a = 1
		}
		ws.cells = append(ws.cells, cell)
		ws.outcome = append(ws.outcome, exprRow[i])
		ws.access = append(ws.access, a)
		for k := range covariates {
			ws.covars[k] = append(ws.covars[k], covarCols[k][row])
		}
	}
	return ws, nil
}

func metaColumns(meta *cellMetadata, celltypeCol string, covariates []string) ([]string, [][]float64, error) {
	celltypes, ok := meta.columns[celltypeCol]
	if !ok {
		return nil, nil, &ValidationError{Problems: []string{"metadata has no cell-type column " + celltypeCol}}
	}
	covarCols := make([][]float64, len(covariates))
	for k, cov := range covariates {
		col, err := meta.floatColumn(cov)
		if err != nil {
			return nil, nil, err
		}
		covarCols[k] = col
	}
	return celltypes, covarCols, nil
}

func nonzeroFraction(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	nz := 0
	for _, v := range x {
		if v != 0 {
			nz++
		}
	}
	return float64(nz) / float64(len(x))
}

// tooSparse reports whether the pair should be screened out before
// fitting. Both columns must clear the threshold independently.
func (ws *workingSet) tooSparse() bool {
	return !(nonzeroFraction(ws.outcome) > minNonzeroFraction && nonzeroFraction(ws.access) > minNonzeroFraction)
}

// resample returns a case-resampled replicate: Len() rows drawn
// uniformly with replacement, all columns jointly. Covariate backing
// slices are freshly allocated; the original is never mutated.
func (ws *workingSet) resample(rng *rand.Rand) *workingSet {
	n := ws.Len()
	out := &workingSet{
		cells:      make([]string, n),
		outcome:    make([]float64, n),
		access:     make([]float64, n),
		covarNames: ws.covarNames,
		covars:     make([][]float64, len(ws.covars)),
	}
	for k := range out.covars {
		out.covars[k] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		out.cells[i] = ws.cells[j]
		out.outcome[i] = ws.outcome[j]
		out.access[i] = ws.access[j]
		for k := range out.covars {
			out.covars[k][i] = ws.covars[k][j]
		}
	}
	return out
}
