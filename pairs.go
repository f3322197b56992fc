// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	log "github.com/sirupsen/logrus"
)

// pairscmd builds the candidate pair list: every region whose
// coordinates fall within a gene's span plus a margin becomes a
// (gene, region) pair to test.
type pairscmd struct {
	window int
	batchArgs
}

type regionInterval struct {
	start, end int
	uid        uintptr
}

func (iv regionInterval) Overlap(b interval.IntRange) bool {
	return iv.end >= b.Start && iv.start <= b.End
}

func (iv regionInterval) ID() uintptr { return iv.uid }

func (iv regionInterval) Range() interval.IntRange {
	return interval.IntRange{Start: iv.start, End: iv.end}
}

func (cmd *pairscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pairscmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	genesFilename := flags.String("genes", "", "gene coordinate `file` (tsv: chrom, start, end, gene)")
	regionsFilename := flags.String("regions", "", "region `file` (bed: chrom, start, end[, name])")
	universeFilename := flags.String("expression-rows", "", "gene identifier `file`; genes not listed are dropped (typically the expression matrix row names)")
	flags.IntVar(&cmd.window, "window", 500000, "margin in `bp` added on each side of the gene span")
	outputFilename := flags.String("o", "-", "output `file`")
	cmd.batchArgs.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *genesFilename == "" || *regionsFilename == "" {
		return fmt.Errorf("-genes and -regions are required")
	}
	if cmd.window < 0 {
		return fmt.Errorf("-window=%d: must be >= 0", cmd.window)
	}
	if err = cmd.batchArgs.Check(); err != nil {
		return err
	}

	var universe map[string]bool
	if *universeFilename != "" {
		names, err := loadNames(*universeFilename)
		if err != nil {
			return err
		}
		universe = make(map[string]bool, len(names))
		for _, name := range names {
			universe[name] = true
		}
	}

	regionNames, trees, err := loadRegionTrees(*regionsFilename)
	if err != nil {
		return err
	}

	f, err := open(*genesFilename)
	if err != nil {
		return err
	}
	defer f.Close()

	var pairs []candidatePair
	dropped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) < 4 {
			return fmt.Errorf("%s line %d: want chrom, start, end, gene; got %q", *genesFilename, lineNum, line)
		}
		start, err1 := strconv.Atoi(split[1])
		end, err2 := strconv.Atoi(split[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("%s line %d: cannot parse coordinates in %q", *genesFilename, lineNum, line)
		}
		gene := split[3]
		if universe != nil && !universe[gene] {
			dropped++
			continue
		}
		tree, ok := trees[split[0]]
		if !ok {
			continue
		}
		query := regionInterval{start: start - cmd.window, end: end + cmd.window}
		hits := tree.Get(query)
		idx := make([]int, 0, len(hits))
		for _, hit := range hits {
			idx = append(idx, int(hit.ID()))
		}
		sort.Ints(idx)
		for _, i := range idx {
			pairs = append(pairs, candidatePair{Gene: gene, Region: regionNames[i]})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", *genesFilename, err)
	}
	if dropped > 0 {
		log.Infof("dropped %d genes not in %s", dropped, *universeFilename)
	}
	pairs = cmd.batchArgs.Slice(pairs)

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
	}
	bufw := bufio.NewWriter(output)
	for _, pair := range pairs {
		fmt.Fprintf(bufw, "%s\t%s\n", pair.Gene, pair.Region)
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

// loadRegionTrees reads a bed-like region file into one interval tree
// per chromosome. Region names default to chrom:start-end when the
// file has no name column.
func loadRegionTrees(fnm string) ([]string, map[string]*interval.IntTree, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var names []string
	trees := map[string]*interval.IntTree{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		split := strings.Split(line, "\t")
		if len(split) < 3 {
			return nil, nil, fmt.Errorf("%s line %d: want chrom, start, end; got %q", fnm, lineNum, line)
		}
		start, err1 := strconv.Atoi(split[1])
		end, err2 := strconv.Atoi(split[2])
		if err1 != nil || err2 != nil {
			return nil, nil, fmt.Errorf("%s line %d: cannot parse coordinates in %q", fnm, lineNum, line)
		}
		name := fmt.Sprintf("%s:%d-%d", split[0], start, end)
		if len(split) > 3 && split[3] != "" {
			name = split[3]
		}
		tree, ok := trees[split[0]]
		if !ok {
			tree = &interval.IntTree{}
			trees[split[0]] = tree
		}
		err = tree.Insert(regionInterval{start: start, end: end, uid: uintptr(len(names))}, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return names, trees, nil
}
