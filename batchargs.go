// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"flag"
	"fmt"
)

// batchArgs partitions the candidate pair list into roughly equal
// batches so a long run can be split across invocations.
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Check() error {
	if b.batches < 1 {
		return fmt.Errorf("-batches=%d: must be >= 1", b.batches)
	}
	if b.batch >= b.batches {
		return fmt.Errorf("-batch=%d out of range with -batches=%d", b.batch, b.batches)
	}
	return nil
}

// Slice returns the subset of pairs belonging to the selected batch,
// preserving input order. With no batch selected it returns the input.
func (b *batchArgs) Slice(in []candidatePair) []candidatePair {
	if b.batches == 0 || b.batch < 0 {
		return in
	}
	batchsize := (len(in) + b.batches - 1) / b.batches
	if batchsize*b.batch >= len(in) {
		return nil
	}
	out := in[batchsize*b.batch:]
	if len(out) > batchsize {
		out = out[:batchsize]
	}
	return out
}
