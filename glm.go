// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"fmt"
	"io"
	stdlog "log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

type glmFamily int

const (
	PoissonFamily glmFamily = iota
	NegBinomialFamily
)

func parseFamily(s string) (glmFamily, error) {
	switch s {
	case "poisson":
		return PoissonFamily, nil
	case "negbinomial", "negbin", "nb":
		return NegBinomialFamily, nil
	}
	return 0, fmt.Errorf("unknown family %q (want poisson or negbinomial)", s)
}

func (f glmFamily) String() string {
	if f == NegBinomialFamily {
		return "negbinomial"
	}
	return "poisson"
}

type glmBackend int

const (
	// BackendIRLS is the general iteratively-reweighted-least-squares
	// solver, usable by either family.
	BackendIRLS glmBackend = iota
	// BackendFast solves the Poisson weighted normal equations
	// directly. Selecting it with the negative binomial family falls
	// back to BackendIRLS.
	BackendFast
)

func parseBackend(s string) (glmBackend, error) {
	switch s {
	case "irls":
		return BackendIRLS, nil
	case "fast":
		return BackendFast, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want irls or fast)", s)
}

func (b glmBackend) String() string {
	if b == BackendFast {
		return "fast"
	}
	return "irls"
}

type fitSpec struct {
	Family  glmFamily
	Backend glmBackend
}

// fitResult is the coefficient and variance estimate for the
// accessibility term of one fitted model.
type fitResult struct {
	Beta     float64
	Variance float64
}

func (r fitResult) StdErr() float64 { return math.Sqrt(r.Variance) }

func (r fitResult) Z() float64 { return r.Beta / r.StdErr() }

// Pvalue is the analytic two-sided normal-tail p-value for Beta.
func (r fitResult) Pvalue() float64 {
	return 2 * distuv.UnitNormal.Survival(math.Abs(r.Z()))
}

type fitFunc func(*workingSet) (fitResult, error)

// Fit fits a log-link count regression of outcome on accessibility
// plus covariates and returns the accessibility coefficient and its
// variance. Both backends agree to numerical tolerance for the
// Poisson family.
func (spec fitSpec) Fit(ws *workingSet) (fitResult, error) {
	if spec.Backend == BackendFast {
		if spec.Family == PoissonFamily {
			return poissonFastFit(ws)
		}
		log.Debugf("fast backend has no %s path, using irls", spec.Family)
	}
	return irlsFit(ws, spec.Family)
}

const (
	maxIRLSIter   = 25
	irlsTol       = 1e-10
	minDispersion = 1e-8
	maxDispersion = 100
)

func (ws *workingSet) dataset() ([][]statmodel.Dtype, []string) {
	data := make([][]statmodel.Dtype, 0, 3+len(ws.covars))
	names := make([]string, 0, 3+len(ws.covars))
	outcome := make([]statmodel.Dtype, ws.Len())
	access := make([]statmodel.Dtype, ws.Len())
	constants := make([]statmodel.Dtype, ws.Len())
	for i := 0; i < ws.Len(); i++ {
		outcome[i] = ws.outcome[i]
		access[i] = ws.access[i]
		constants[i] = 1
	}
	data = append(data, outcome, access)
	names = append(names, "outcome", "access")
	for k, name := range ws.covarNames {
		col := make([]statmodel.Dtype, ws.Len())
		copy(col, ws.covars[k])
		data = append(data, col)
		names = append(names, name)
	}
	data = append(data, constants)
	names = append(names, "constants")
	return data, names
}

// irlsFit is the general solver, via statmodel. statmodel panics on
// singular designs; that surfaces here as a FitError.
func irlsFit(ws *workingSet, family glmFamily) (res fitResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			err = &FitError{Reason: fmt.Sprintf("%v", p)}
		}
	}()
	if ws.Len() < 3+len(ws.covars) {
		return fitResult{}, &FitError{Reason: fmt.Sprintf("%d cells, %d parameters", ws.Len(), 2+len(ws.covars))}
	}
	fam := glm.NewFamily(glm.PoissonFamily)
	if family == NegBinomialFamily {
		alpha, derr := estimateDispersion(ws)
		if derr != nil {
			return fitResult{}, derr
		}
		fam = glm.NewNegBinomFamily(alpha, glm.NewLink(glm.LogLink))
	}
	data, names := ws.dataset()
	dataset := statmodel.NewDataset(data, names)
	model, merr := glm.NewGLM(dataset, "outcome", names[1:], &glm.Config{
		Family:         fam,
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		Log:            stdlog.New(io.Discard, "", 0),
	})
	if merr != nil {
		return fitResult{}, &FitError{Reason: merr.Error()}
	}
	result := model.Fit()
	beta := result.Params()[0]
	se := result.StdErr()[0]
	if math.IsNaN(beta) || math.IsInf(beta, 0) || math.IsNaN(se) || se <= 0 {
		return fitResult{}, &FitError{Reason: "non-finite estimates"}
	}
	return fitResult{Beta: beta, Variance: se * se}, nil
}

// designMatrix returns the n x p design with columns access,
// covariates..., intercept. Column 0 is the coefficient of interest,
// matching the predictor order used by irlsFit.
func (ws *workingSet) designMatrix() *mat.Dense {
	n := ws.Len()
	p := 2 + len(ws.covars)
	x := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, ws.access[i])
		for k := range ws.covars {
			x.Set(i, k+1, ws.covars[k][i])
		}
		x.Set(i, p-1, 1)
	}
	return x
}

// poissonIRLS iterates the Poisson weighted normal equations and
// returns the full coefficient vector plus the coefficient covariance
// (XᵀWX)⁻¹ at convergence.
func poissonIRLS(ws *workingSet) ([]float64, *mat.SymDense, error) {
	n := ws.Len()
	p := 2 + len(ws.covars)
	if n < p+1 {
		return nil, nil, &FitError{Reason: fmt.Sprintf("%d cells, %d parameters", n, p)}
	}
	meanY := 0.0
	for _, v := range ws.outcome {
		meanY += v
	}
	meanY /= float64(n)
	if meanY <= 0 {
		return nil, nil, &FitError{Reason: "outcome is all zero"}
	}
	x := ws.designMatrix()
	beta := make([]float64, p)
	beta[p-1] = math.Log(meanY)
	eta := make([]float64, n)
	xtwx := mat.NewSymDense(p, nil)
	xtwz := mat.NewVecDense(p, nil)
	next := mat.NewVecDense(p, nil)
	var chol mat.Cholesky
	for iter := 0; iter < maxIRLSIter; iter++ {
		for i := 0; i < n; i++ {
			e := 0.0
			for a := 0; a < p; a++ {
				e += x.At(i, a) * beta[a]
			}
			eta[i] = e
		}
		for a := 0; a < p; a++ {
			s := 0.0
			for i := 0; i < n; i++ {
				mu := clampMu(math.Exp(eta[i]))
				s += x.At(i, a) * (mu*eta[i] + (ws.outcome[i] - mu))
			}
			xtwz.SetVec(a, s)
			for b := a; b < p; b++ {
				s := 0.0
				for i := 0; i < n; i++ {
					s += clampMu(math.Exp(eta[i])) * x.At(i, a) * x.At(i, b)
				}
				xtwx.SetSym(a, b, s)
			}
		}
		if !chol.Factorize(xtwx) {
			return nil, nil, &FitError{Reason: "singular design"}
		}
		if err := chol.SolveVecTo(next, xtwz); err != nil {
			return nil, nil, &FitError{Reason: err.Error()}
		}
		delta := 0.0
		for a := 0; a < p; a++ {
			d := math.Abs(next.AtVec(a) - beta[a])
			if d > delta {
				delta = d
			}
			beta[a] = next.AtVec(a)
		}
		for _, b := range beta {
			if math.IsNaN(b) || math.IsInf(b, 0) {
				return nil, nil, &FitError{Reason: "diverged"}
			}
		}
		if delta < irlsTol {
			cov := mat.NewSymDense(p, nil)
			if err := chol.InverseTo(cov); err != nil {
				return nil, nil, &FitError{Reason: err.Error()}
			}
			return beta, cov, nil
		}
	}
	return nil, nil, &FitError{Reason: fmt.Sprintf("no convergence in %d iterations", maxIRLSIter)}
}

func clampMu(mu float64) float64 {
	if mu < 1e-10 {
		return 1e-10
	}
	if mu > 1e10 {
		return 1e10
	}
	return mu
}

func poissonFastFit(ws *workingSet) (fitResult, error) {
	beta, cov, err := poissonIRLS(ws)
	if err != nil {
		return fitResult{}, err
	}
	v := cov.At(0, 0)
	if math.IsNaN(v) || v <= 0 {
		return fitResult{}, &FitError{Reason: "non-finite variance"}
	}
	return fitResult{Beta: beta[0], Variance: v}, nil
}

// estimateDispersion computes the Cameron-Trivedi moment estimate of
// the negative binomial dispersion from Poisson fitted values:
// alpha = Σ((y-μ)²-μ) / Σμ². Clamped to [minDispersion, maxDispersion];
// underdispersed data gets an effectively-Poisson alpha.
func estimateDispersion(ws *workingSet) (float64, error) {
	beta, _, err := poissonIRLS(ws)
	if err != nil {
		return 0, err
	}
	x := ws.designMatrix()
	_, p := x.Dims()
	num, den := 0.0, 0.0
	for i := 0; i < ws.Len(); i++ {
		eta := 0.0
		for a := 0; a < p; a++ {
			eta += x.At(i, a) * beta[a]
		}
		mu := clampMu(math.Exp(eta))
		d := ws.outcome[i] - mu
		num += d*d - mu
		den += mu * mu
	}
	if den <= 0 {
		return 0, &FitError{Reason: "cannot estimate dispersion"}
	}
	alpha := num / den
	if alpha < minDispersion {
		alpha = minDispersion
	}
	if alpha > maxDispersion {
		alpha = maxDispersion
	}
	return alpha, nil
}
