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
	"sync"
)

type candidatePair struct {
	Gene   string
	Region string
}

// notComputed is the sentinel written for every statistic of a pair
// that was screened out for sparsity or failed to fit.
const notComputed = "NA"

const resultHeader = "gene\tregion\tbeta\tstderr\tz\tpval\tboot_pval\tnboot"

// resultRow is one line of the output table. When Computed is false
// all numeric fields are written as the notComputed sentinel.
type resultRow struct {
	Gene     string
	Region   string
	Beta     float64
	StdErr   float64
	Z        float64
	Pval     float64
	BootPval float64
	NBoot    int
	Computed bool
}

func ftos(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (r resultRow) TSV() string {
	if !r.Computed {
		return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s", r.Gene, r.Region, notComputed, notComputed, notComputed, notComputed, notComputed, notComputed)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d", r.Gene, r.Region, ftos(r.Beta), ftos(r.StdErr), ftos(r.Z), ftos(r.Pval), ftos(r.BootPval), r.NBoot)
}

func parseResultRow(line string) (resultRow, error) {
	split := strings.Split(line, "\t")
	if len(split) != 8 {
		return resultRow{}, fmt.Errorf("%d fields != 8 in result row %q", len(split), line)
	}
	row := resultRow{Gene: split[0], Region: split[1]}
	if split[2] == notComputed {
		return row, nil
	}
	var err error
	for i, dst := range []*float64{&row.Beta, &row.StdErr, &row.Z, &row.Pval, &row.BootPval} {
		*dst, err = strconv.ParseFloat(split[i+2], 64)
		if err != nil {
			return resultRow{}, fmt.Errorf("result row %q field %d: %w", line, i+2, err)
		}
	}
	row.NBoot, err = strconv.Atoi(split[7])
	if err != nil {
		return resultRow{}, fmt.Errorf("result row %q nboot: %w", line, err)
	}
	row.Computed = true
	return row, nil
}

func parseResultTable(rdr io.Reader) ([]resultRow, error) {
	var rows []resultRow
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line == resultHeader {
			continue
		}
		row, err := parseResultRow(line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

// resultWriter appends result rows to a sink one at a time. The header
// goes out before the first row only, so appending to a previous run's
// output keeps the table parseable. Writers are serialized; every row
// is flushed whole before the lock is released.
type resultWriter struct {
	mtx         sync.Mutex
	w           *bufio.Writer
	closer      io.Closer
	needsHeader bool
}

func newResultWriter(w io.Writer, writeHeader bool) *resultWriter {
	return &resultWriter{w: bufio.NewWriter(w), needsHeader: writeHeader}
}

// openResultFile opens fnm for appending and returns a writer plus the
// set of (gene, region) pairs already present. With resume false an
// existing file is truncated and the done set is empty.
func openResultFile(fnm string, resume bool) (*resultWriter, map[candidatePair]bool, error) {
	done := map[candidatePair]bool{}
	writeHeader := true
	if resume {
		f, err := os.Open(fnm)
		if err == nil {
			rows, perr := parseResultTable(f)
			f.Close()
			if perr != nil {
				return nil, nil, fmt.Errorf("%s: cannot resume: %w", fnm, perr)
			}
			for _, row := range rows {
				done[candidatePair{row.Gene, row.Region}] = true
			}
			writeHeader = len(rows) == 0
		} else if !os.IsNotExist(err) {
			return nil, nil, err
		}
	}
	mode := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		mode = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(fnm, mode, 0666)
	if err != nil {
		return nil, nil, err
	}
	rw := newResultWriter(f, writeHeader)
	rw.closer = f
	return rw, done, nil
}

func (rw *resultWriter) Write(row resultRow) error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	if rw.needsHeader {
		if _, err := rw.w.WriteString(resultHeader + "\n"); err != nil {
			return err
		}
		rw.needsHeader = false
	}
	if _, err := rw.w.WriteString(row.TSV() + "\n"); err != nil {
		return err
	}
	return rw.w.Flush()
}

func (rw *resultWriter) Close() error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	err := rw.w.Flush()
	if rw.closer != nil {
		if cerr := rw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
