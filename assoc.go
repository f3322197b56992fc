// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strings"

	log "github.com/sirupsen/logrus"
)

// assoc tests each candidate (gene, region) pair for association
// between accessibility and expression: analytic GLM fit, then
// adaptive bootstrap refinement of the p-value.
type assoc struct {
	celltype    string
	celltypeCol string
	covariates  []string
	binarize    bool
	spec        fitSpec
	policy      escalationPolicy
	seed        uint64
	threads     int
	bootThreads int
	batchArgs

	fit fitFunc
}

func (cmd *assoc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *assoc) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	exprFilename := flags.String("expression", "", "expression matrix `file` (genes x cells, .mtx, .mtx.gz, or .npy)")
	exprRows := flags.String("expression-rows", "", "gene identifier `file`, one per line")
	exprCells := flags.String("expression-cells", "", "cell identifier `file`, one per line")
	accFilename := flags.String("accessibility", "", "accessibility matrix `file` (regions x cells)")
	accRows := flags.String("accessibility-rows", "", "region identifier `file`, one per line")
	accCells := flags.String("accessibility-cells", "", "cell identifier `file`, one per line")
	metaFilename := flags.String("metadata", "", "cell metadata `file` (tsv, first column = cell id)")
	pairsFilename := flags.String("pairs", "", "candidate pair `file` (tsv: gene, region)")
	flags.StringVar(&cmd.celltype, "celltype", "", "cell-type `label` to test")
	flags.StringVar(&cmd.celltypeCol, "celltype-column", "cell_type", "metadata `column` holding cell-type labels")
	covariates := flags.String("covariates", "", "comma-separated metadata `columns` to adjust for")
	family := flags.String("family", "poisson", "count model `family` (poisson or negbinomial)")
	backend := flags.String("backend", "irls", "fitting `backend` (irls or fast)")
	flags.BoolVar(&cmd.binarize, "binarize", true, "binarize accessibility (any positive count -> 1)")
	policy := flags.String("policy", "ladder", "bootstrap escalation `policy` (ladder or single)")
	flags.Uint64Var(&cmd.seed, "seed", 1, "base `seed` for bootstrap resampling")
	flags.IntVar(&cmd.threads, "threads", 8, "number of pairs to process concurrently")
	flags.IntVar(&cmd.bootThreads, "boot-threads", 1, "bootstrap refits to run concurrently within one pair (total workers = threads * boot-threads)")
	outputFilename := flags.String("o", "-", "output `file`")
	resume := flags.Bool("resume", false, "skip pairs already present in the output file, append new rows")
	cmd.batchArgs.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if *exprFilename == "" || *accFilename == "" || *metaFilename == "" || *pairsFilename == "" {
		return fmt.Errorf("-expression, -accessibility, -metadata, and -pairs are all required")
	}
	if cmd.celltype == "" {
		return fmt.Errorf("-celltype is required")
	}
	if *covariates != "" {
		cmd.covariates = strings.Split(*covariates, ",")
	}
	if cmd.spec.Family, err = parseFamily(*family); err != nil {
		return err
	}
	if cmd.spec.Backend, err = parseBackend(*backend); err != nil {
		return err
	}
	if cmd.policy, err = parsePolicy(*policy); err != nil {
		return err
	}
	if err = cmd.batchArgs.Check(); err != nil {
		return err
	}
	if cmd.fit == nil {
		cmd.fit = cmd.spec.Fit
	}

	log.Info("loading expression matrix")
	expr, err := loadCountMatrix(*exprFilename, *exprRows, *exprCells)
	if err != nil {
		return err
	}
	log.Info("loading accessibility matrix")
	acc, err := loadCountMatrix(*accFilename, *accRows, *accCells)
	if err != nil {
		return err
	}
	meta, err := loadCellMetadata(*metaFilename)
	if err != nil {
		return err
	}
	if err = validateInputs(expr, acc, meta, cmd.celltypeCol, cmd.covariates); err != nil {
		return err
	}
	pairs, err := loadPairs(*pairsFilename)
	if err != nil {
		return err
	}
	pairs = cmd.batchArgs.Slice(pairs)
	log.WithFields(log.Fields{"pairs": len(pairs), "celltype": cmd.celltype, "family": cmd.spec.Family, "backend": cmd.spec.Backend, "policy": cmd.policy}).Info("testing pairs")

	var rw *resultWriter
	done := map[candidatePair]bool{}
	if *outputFilename == "-" {
		if *resume {
			return fmt.Errorf("-resume requires -o filename")
		}
		rw = newResultWriter(stdout, true)
	} else {
		rw, done, err = openResultFile(*outputFilename, *resume)
		if err != nil {
			return err
		}
	}
	if len(done) > 0 {
		log.Infof("resuming: %d pairs already done", len(done))
	}

	t := throttle{Max: cmd.threads}
	for _, pair := range pairs {
		if done[pair] {
			continue
		}
		pair := pair
		t.Go(func() error {
			row := cmd.processPair(expr, acc, meta, pair)
			return rw.Write(row)
		})
	}
	err = t.Wait()
	if cerr := rw.Close(); err == nil {
		err = cerr
	}
	return err
}

// processPair runs the per-pair pipeline: assemble, screen, fit,
// bootstrap. Any pair-local failure yields a not-computed row and
// never affects sibling pairs.
func (cmd *assoc) processPair(expr, acc *countMatrix, meta *cellMetadata, pair candidatePair) resultRow {
	row := resultRow{Gene: pair.Gene, Region: pair.Region}
	ws, err := assembleWorkingSet(expr, acc, meta, pair.Gene, pair.Region, cmd.celltypeCol, cmd.celltype, cmd.covariates, cmd.binarize)
	if err != nil {
		log.WithFields(log.Fields{"gene": pair.Gene, "region": pair.Region}).WithError(err).Warn("pair not computed")
		return row
	}
	if ws.tooSparse() {
		log.WithFields(log.Fields{"gene": pair.Gene, "region": pair.Region, "cells": ws.Len()}).Debug("pair rejected by sparsity screen")
		return row
	}
	obs, err := cmd.fit(ws)
	if err != nil {
		log.WithFields(log.Fields{"gene": pair.Gene, "region": pair.Region}).WithError(err).Warn("pair not computed")
		return row
	}
	bootPval, nboot, err := runBootstrap(ws, cmd.fit, pair.Gene, pair.Region, cmd.policy, cmd.seed, cmd.bootThreads)
	if err != nil {
		log.WithFields(log.Fields{"gene": pair.Gene, "region": pair.Region}).WithError(err).Warn("pair not computed")
		return row
	}
	row.Beta = obs.Beta
	row.StdErr = obs.StdErr()
	row.Z = obs.Z()
	row.Pval = obs.Pvalue()
	row.BootPval = bootPval
	row.NBoot = nboot
	row.Computed = true
	return row
}

func loadPairs(fnm string) ([]candidatePair, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var pairs []candidatePair
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || (lineNum == 1 && line == "gene\tregion") {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) < 2 {
			return nil, fmt.Errorf("%s line %d: want gene<TAB>region, got %q", fnm, lineNum, line)
		}
		pairs = append(pairs, candidatePair{Gene: split[0], Region: split[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return pairs, nil
}
