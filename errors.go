// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"fmt"
	"strings"
)

// ValidationError aggregates structural problems detected by the eager
// input check that runs before any per-pair work.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation failed: %s", strings.Join(e.Problems, "; "))
}

// LookupError means a candidate pair references a gene or region that
// is absent from its matrix. It is fatal for that pair only.
type LookupError struct {
	Kind string // "gene" or "region"
	ID   string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s %q not found in matrix", e.Kind, e.ID)
}

// FitError means the regression did not produce usable estimates
// (non-convergence, NaN estimates, or a singular design). The pair is
// reported as not-computed and the run continues.
type FitError struct {
	Reason string
}

func (e *FitError) Error() string {
	return "fit failed: " + e.Reason
}
