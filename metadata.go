// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// cellMetadata is a per-cell annotation table. The first column of the
// source file is the cell identifier; remaining columns are looked up
// by header name.
type cellMetadata struct {
	ids     []string
	index   map[string]int      // cell id -> row
	columns map[string][]string // column name -> values in row order
}

func loadCellMetadata(fnm string) (*cellMetadata, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	meta := &cellMetadata{
		index:   map[string]int{},
		columns: map[string][]string{},
	}
	var header []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if header == nil {
			if len(split) < 2 {
				return nil, fmt.Errorf("%s: header has %d fields, need at least cell id and one annotation", fnm, len(split))
			}
			header = split
			for _, col := range header[1:] {
				meta.columns[col] = nil
			}
			continue
		}
		if len(split) != len(header) {
			return nil, fmt.Errorf("%s line %d: %d fields, header has %d", fnm, lineNum, len(split), len(header))
		}
		id := split[0]
		if _, dup := meta.index[id]; dup {
			return nil, fmt.Errorf("%s line %d: duplicate cell id %q", fnm, lineNum, id)
		}
		meta.index[id] = len(meta.ids)
		meta.ids = append(meta.ids, id)
		for i, col := range header[1:] {
			meta.columns[col] = append(meta.columns[col], split[i+1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if header == nil {
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	return meta, nil
}

// floatColumn parses a named column as float64, reporting the first
// offending value.
func (m *cellMetadata) floatColumn(name string) ([]float64, error) {
	raw, ok := m.columns[name]
	if !ok {
		return nil, fmt.Errorf("no metadata column %q", name)
	}
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("metadata column %q row %d (cell %s): cannot parse %q as number", name, i, m.ids[i], s)
		}
		out[i] = v
	}
	return out, nil
}
