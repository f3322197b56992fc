// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

// statscmd summarizes a result table as JSON, for monitoring a long
// run or a finished one.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file` (result table)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	var input io.Reader = stdin
	if *inputFilename != "-" {
		f, ferr := os.Open(*inputFilename)
		if ferr != nil {
			err = ferr
			return 1
		}
		defer f.Close()
		input = f
	}
	err = cmd.doStats(input, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(input io.Reader, output io.Writer) error {
	var ret struct {
		Pairs           int
		Computed        int
		NotComputed     int
		ByResampleCount map[string]int
		BootPvalBelow   map[string]int
	}
	ret.ByResampleCount = map[string]int{}
	ret.BootPvalBelow = map[string]int{"0.05": 0, "0.01": 0, "0.001": 0}

	rows, err := parseResultTable(input)
	if err != nil {
		return err
	}
	for _, row := range rows {
		ret.Pairs++
		if !row.Computed {
			ret.NotComputed++
			continue
		}
		ret.Computed++
		ret.ByResampleCount[fmt.Sprintf("%d", row.NBoot)]++
		for _, cut := range []struct {
			label string
			value float64
		}{{"0.05", 0.05}, {"0.01", 0.01}, {"0.001", 0.001}} {
			if row.BootPval < cut.value {
				ret.BootPvalBelow[cut.label]++
			}
		}
	}
	return json.NewEncoder(output).Encode(ret)
}
