// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"math"

	"gopkg.in/check.v1"
)

type bootstrapSuite struct{}

var _ = check.Suite(&bootstrapSuite{})

func (s *bootstrapSuite) TestInterpPvalRange(c *check.C) {
	for _, q := range [][]float64{
		{1},
		{-1},
		{1, 2, 3},
		{-1, 2, -3, 4},
		{-1, -1, -1, 1},
		{0.001, -0.001},
	} {
		p := interpPval(q)
		c.Check(p > 0, check.Equals, true, check.Commentf("q=%v p=%g", q, p))
		c.Check(p <= 1, check.Equals, true, check.Commentf("q=%v p=%g", q, p))
	}
}

func (s *bootstrapSuite) TestInterpPvalFloor(c *check.C) {
	// q never changes sign => conservative floor 2/B
	allpos := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	c.Check(interpPval(allpos), check.Equals, 0.2)
	allneg := make([]float64, 100)
	for i := range allneg {
		allneg[i] = -float64(i + 1)
	}
	c.Check(interpPval(allneg), check.Equals, 0.02)
	// with one or two replicates the floor caps at 1
	c.Check(interpPval([]float64{1}), check.Equals, 1.0)
	c.Check(interpPval([]float64{-1, -2}), check.Equals, 1.0)
}

func (s *bootstrapSuite) TestInterpPvalSymmetry(c *check.C) {
	q := []float64{-3, -2, -0.5, 0.25, 1, 4, 9, -0.125, 2}
	neg := make([]float64, len(q))
	for i, v := range q {
		neg[i] = -v
	}
	c.Check(interpPval(q), check.Equals, interpPval(neg))
}

func (s *bootstrapSuite) TestInterpPvalTwoSided(c *check.C) {
	// 3 of 10 below zero: smaller tail is 0.3, doubled
	q := []float64{-1, -2, -3, 1, 2, 3, 4, 5, 6, 7}
	c.Check(interpPval(q), check.Equals, 0.6)
	// 1 of 10 below zero
	q = []float64{-1, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	c.Check(math.Abs(interpPval(q)-0.2) < 1e-15, check.Equals, true)
}

func (s *bootstrapSuite) TestReplicateSeedDeterminism(c *check.C) {
	a := replicateSeed(1, "GENE1", "chr1:100-500", 100, 7)
	b := replicateSeed(1, "GENE1", "chr1:100-500", 100, 7)
	c.Check(a, check.Equals, b)
	c.Check(a, check.Not(check.Equals), replicateSeed(1, "GENE1", "chr1:100-500", 100, 8))
	c.Check(a, check.Not(check.Equals), replicateSeed(1, "GENE1", "chr1:100-500", 500, 7))
	c.Check(a, check.Not(check.Equals), replicateSeed(2, "GENE1", "chr1:100-500", 100, 7))
	c.Check(a, check.Not(check.Equals), replicateSeed(1, "GENE2", "chr1:100-500", 100, 7))
}

func testWorkingSet(n int) *workingSet {
	ws := &workingSet{}
	for i := 0; i < n; i++ {
		ws.cells = append(ws.cells, "cell")
		ws.outcome = append(ws.outcome, float64(i%4))
		ws.access = append(ws.access, float64(i%2))
	}
	return ws
}

func (s *bootstrapSuite) TestBootstrapRoundDeterminism(c *check.C) {
	ws := testWorkingSet(60)
	fit := fitSpec{Family: PoissonFamily, Backend: BackendFast}.Fit
	r1, err := bootstrapRound(ws, fit, "g", "r", 50, 42, 1)
	c.Assert(err, check.IsNil)
	r2, err := bootstrapRound(ws, fit, "g", "r", 50, 42, 4)
	c.Assert(err, check.IsNil)
	// same seed reproduces the same replicate set regardless of
	// worker count
	c.Check(r1.Betas, check.DeepEquals, r2.Betas)
	c.Check(r1.Variances, check.DeepEquals, r2.Variances)
	r3, err := bootstrapRound(ws, fit, "g", "r", 50, 43, 1)
	c.Assert(err, check.IsNil)
	c.Check(r1.Betas, check.Not(check.DeepEquals), r3.Betas)
}

// stubFitter returns beta 0 for the observed fit and +1 for every
// posPeriod'th replicate (else -1). A round of B resamples then has
// floor(B/posPeriod) positive replicate coefficients, so the
// empirical p-value per round is 2/posPeriod (or the 2/B floor when
// B < posPeriod).
type stubFitter struct {
	orig      *workingSet
	posPeriod int
	rounds    int
	calls     int
}

func (f *stubFitter) fit(ws *workingSet) (fitResult, error) {
	if ws == f.orig {
		f.rounds++
		f.calls = 0
		return fitResult{Beta: 0, Variance: 1}, nil
	}
	f.calls++
	if f.calls%f.posPeriod == 0 {
		return fitResult{Beta: 1, Variance: 1}, nil
	}
	return fitResult{Beta: -1, Variance: 1}, nil
}

func (s *bootstrapSuite) TestLadderEscalation(c *check.C) {
	for _, trial := range []struct {
		posPeriod int
		nboot     int
		rounds    int
	}{
		{2, 100, 1},      // p=1.0: never escalated
		{50, 2500, 3},    // p=0.04: 100 -> 500 -> 2500, 0.04 >= 0.01 stops
		{250, 25000, 4},  // p=0.008 once B >= 500 (floor 0.02 at B=100)
		{2500, 50000, 5}, // p=0.0008: full ladder
	} {
		ws := testWorkingSet(20)
		stub := &stubFitter{orig: ws, posPeriod: trial.posPeriod}
		p, nboot, err := runBootstrap(ws, stub.fit, "g", "r", PolicyLadder, 1, 1)
		c.Assert(err, check.IsNil)
		c.Check(nboot, check.Equals, trial.nboot, check.Commentf("posPeriod=%d p=%g", trial.posPeriod, p))
		c.Check(stub.rounds, check.Equals, trial.rounds)
	}
}

func (s *bootstrapSuite) TestLadderMonotonicity(c *check.C) {
	lastNboot := 1 << 30
	// decreasing initial p-value => non-decreasing realized resample
	// count, walking from significant to non-significant
	for _, posPeriod := range []int{2500, 250, 50, 20, 2} {
		ws := testWorkingSet(20)
		stub := &stubFitter{orig: ws, posPeriod: posPeriod}
		_, nboot, err := runBootstrap(ws, stub.fit, "g", "r", PolicyLadder, 1, 1)
		c.Assert(err, check.IsNil)
		c.Check(nboot <= lastNboot, check.Equals, true, check.Commentf("posPeriod=%d nboot=%d last=%d", posPeriod, nboot, lastNboot))
		lastNboot = nboot
	}
	// p-value of 1.0 never escalates
	ws := testWorkingSet(20)
	stub := &stubFitter{orig: ws, posPeriod: 2}
	_, nboot, err := runBootstrap(ws, stub.fit, "g", "r", PolicyLadder, 1, 1)
	c.Assert(err, check.IsNil)
	c.Check(nboot, check.Equals, 100)
}

func (s *bootstrapSuite) TestSinglePolicy(c *check.C) {
	for _, trial := range []struct {
		posPeriod int
		nboot     int
		rounds    int
	}{
		{2, 100, 1},    // p=1.0: no refinement
		{30, 500, 2},   // p=0.06
		{50, 2500, 2},  // p=0.04
		{250, 2500, 2}, // floored at 0.02 with B=100
	} {
		ws := testWorkingSet(20)
		stub := &stubFitter{orig: ws, posPeriod: trial.posPeriod}
		_, nboot, err := runBootstrap(ws, stub.fit, "g", "r", PolicySingle, 1, 1)
		c.Assert(err, check.IsNil)
		c.Check(nboot, check.Equals, trial.nboot)
		// never chains: at most one refinement round
		c.Check(stub.rounds, check.Equals, trial.rounds)
	}
}

func (s *bootstrapSuite) TestSingleRefinementBands(c *check.C) {
	c.Check(singleRefinement(0.5), check.Equals, 0)
	c.Check(singleRefinement(0.1), check.Equals, 0)
	c.Check(singleRefinement(0.09), check.Equals, 500)
	c.Check(singleRefinement(0.04), check.Equals, 2500)
	c.Check(singleRefinement(0.009), check.Equals, 5000)
	c.Check(singleRefinement(0.0009), check.Equals, 10000)
}
