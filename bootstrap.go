// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/rand"
)

// baseResamples is the resample count of the first bootstrap round.
const baseResamples = 100

// bootRound holds one round of case-resampled refits. Betas and
// Variances are in draw order; replicates whose refit failed are
// dropped (counted in Failed).
type bootRound struct {
	Observed  fitResult
	Betas     []float64
	Variances []float64
	Requested int
	Failed    int
}

// replicateSeed derives a deterministic RNG seed for one replicate, so
// the same base seed reproduces the same draws regardless of how
// replicates are scheduled across workers.
func replicateSeed(seed uint64, gene, region string, b, i int) uint64 {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", gene, region, b, i)
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// bootstrapRound fits the full working set once (the observed
// statistic), then draws b case resamples and refits each with the
// same fitting function. Replicate fan-out is bounded by workers.
func bootstrapRound(ws *workingSet, fit fitFunc, gene, region string, b int, seed uint64, workers int) (*bootRound, error) {
	obs, err := fit(ws)
	if err != nil {
		return nil, err
	}
	type replicate struct {
		res fitResult
		err error
	}
	reps := make([]replicate, b)
	if workers < 1 {
		workers = 1
	}
	t := throttle{Max: workers}
	for w := 0; w < workers; w++ {
		w := w
		t.Go(func() error {
			for i := w; i < b; i += workers {
				rng := rand.New(rand.NewSource(replicateSeed(seed, gene, region, b, i)))
				res, err := fit(ws.resample(rng))
				reps[i] = replicate{res, err}
			}
			return nil
		})
	}
	if err := t.Wait(); err != nil {
		return nil, err
	}
	round := &bootRound{Observed: obs, Requested: b}
	for _, rep := range reps {
		if rep.err != nil {
			round.Failed++
			continue
		}
		round.Betas = append(round.Betas, rep.res.Beta)
		round.Variances = append(round.Variances, rep.res.Variance)
	}
	if round.Failed*2 > b {
		return nil, &FitError{Reason: fmt.Sprintf("%d of %d bootstrap refits failed", round.Failed, b)}
	}
	if round.Failed > 0 {
		log.WithFields(log.Fields{"gene": gene, "region": region, "failed": round.Failed, "requested": b}).Debug("dropped failed bootstrap replicates")
	}
	return round, nil
}

// nullCentered maps replicate coefficients to q_i = 2*obs - boot_i,
// the distribution that is symmetric around zero under the null of no
// association (centered on zero, not on the observed value).
func nullCentered(obs float64, betas []float64) []float64 {
	q := make([]float64, len(betas))
	for i, b := range betas {
		q[i] = 2*obs - b
	}
	return q
}

// interpPval converts a null-centered replicate distribution into a
// two-sided empirical p-value: twice the smaller tail mass around
// zero, floored at 2/B when zero lies at or beyond either extreme.
// The result is always in (0, 1].
func interpPval(q []float64) float64 {
	n := len(q)
	if n == 0 {
		return 1
	}
	sorted := make([]float64, n)
	copy(sorted, q)
	sort.Float64s(sorted)
	zero := sort.SearchFloat64s(sorted, 0)
	if zero == 0 || zero == n {
		return math.Min(1, 2/float64(n))
	}
	left := float64(zero) / float64(n)
	right := float64(n-zero) / float64(n)
	return 2 * math.Min(left, right)
}

func (r *bootRound) pval() float64 {
	return interpPval(nullCentered(r.Observed.Beta, r.Betas))
}

type escalationPolicy int

const (
	// PolicyLadder climbs 100 -> 500 -> 2500 -> 25000 -> 50000, each
	// step taken only while the latest empirical p-value stays under
	// that step's threshold.
	PolicyLadder escalationPolicy = iota
	// PolicySingle runs at most one refinement round, sized by the
	// band the initial 100-resample estimate falls into.
	PolicySingle
)

func parsePolicy(s string) (escalationPolicy, error) {
	switch s {
	case "ladder":
		return PolicyLadder, nil
	case "single":
		return PolicySingle, nil
	}
	return 0, fmt.Errorf("unknown escalation policy %q (want ladder or single)", s)
}

func (p escalationPolicy) String() string {
	if p == PolicySingle {
		return "single"
	}
	return "ladder"
}

var ladderSteps = []struct {
	resamples int
	below     float64
}{
	{500, 0.1},
	{2500, 0.05},
	{25000, 0.01},
	{50000, 0.001},
}

func singleRefinement(p float64) int {
	switch {
	case p < 0.001:
		return 10000
	case p < 0.01:
		return 5000
	case p < 0.05:
		return 2500
	case p < 0.1:
		return 500
	}
	return 0
}

// runBootstrap executes the adaptive escalation schedule for one pair
// and returns the final empirical p-value and the resample count of
// the last round executed. Every round draws a fresh batch; rounds
// never extend earlier draws.
func runBootstrap(ws *workingSet, fit fitFunc, gene, region string, policy escalationPolicy, seed uint64, workers int) (float64, int, error) {
	round, err := bootstrapRound(ws, fit, gene, region, baseResamples, seed, workers)
	if err != nil {
		return 0, 0, err
	}
	p := round.pval()
	nboot := baseResamples
	if policy == PolicySingle {
		if b := singleRefinement(p); b > 0 {
			round, err = bootstrapRound(ws, fit, gene, region, b, seed, workers)
			if err != nil {
				return 0, 0, err
			}
			p = round.pval()
			nboot = b
		}
		return p, nboot, nil
	}
	for _, step := range ladderSteps {
		if p >= step.below {
			break
		}
		round, err = bootstrapRound(ws, fit, gene, region, step.resamples, seed, workers)
		if err != nil {
			return 0, 0, err
		}
		p = round.pval()
		nboot = step.resamples
	}
	return p, nboot, nil
}
