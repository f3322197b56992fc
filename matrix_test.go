// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"os"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type matrixSuite struct{}

var _ = check.Suite(&matrixSuite{})

const testMtx = `%%MatrixMarket matrix coordinate integer general
% comment line
3 4 5
1 1 5
1 3 2
2 2 1
3 1 4
3 4 9
`

func writeFile(c *check.C, fnm, content string) string {
	err := os.WriteFile(fnm, []byte(content), 0666)
	c.Assert(err, check.IsNil)
	return fnm
}

func (s *matrixSuite) TestLoadMatrixMarket(c *check.C) {
	tmpdir := c.MkDir()
	mtx := writeFile(c, tmpdir+"/m.mtx", testMtx)
	rows := writeFile(c, tmpdir+"/rows.tsv", "GENE1\tprotein_coding\nGENE2\tprotein_coding\nGENE3\tlncRNA\n")
	cols := writeFile(c, tmpdir+"/cols.txt", "c1\nc2\nc3\nc4\n")

	m, err := loadCountMatrix(mtx, rows, cols)
	c.Assert(err, check.IsNil)
	c.Check(m.HasRow("GENE1"), check.Equals, true)
	c.Check(m.HasRow("protein_coding"), check.Equals, false)

	row, err := m.Row("gene", "GENE1")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []float64{5, 0, 2, 0})
	row, err = m.Row("gene", "GENE3")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []float64{4, 0, 0, 9})

	_, err = m.Row("gene", "GENE9")
	c.Assert(err, check.FitsTypeOf, &LookupError{})
	c.Check(err, check.ErrorMatches, `gene "GENE9" not found in matrix`)
}

func (s *matrixSuite) TestLoadMatrixMarketGzip(c *check.C) {
	tmpdir := c.MkDir()
	f, err := os.Create(tmpdir + "/m.mtx.gz")
	c.Assert(err, check.IsNil)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(testMtx))
	c.Assert(err, check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
	rows := writeFile(c, tmpdir+"/rows.txt", "g1\ng2\ng3\n")
	cols := writeFile(c, tmpdir+"/cols.txt", "c1\nc2\nc3\nc4\n")

	m, err := loadCountMatrix(tmpdir+"/m.mtx.gz", rows, cols)
	c.Assert(err, check.IsNil)
	row, err := m.Row("gene", "g2")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []float64{0, 1, 0, 0})
}

func (s *matrixSuite) TestLoadNpy(c *check.C) {
	tmpdir := c.MkDir()
	npw, err := gonpy.NewFileWriter(tmpdir + "/m.npy")
	c.Assert(err, check.IsNil)
	npw.Shape = []int{2, 3}
	err = npw.WriteFloat64([]float64{1, 0, 2, 0, 3, 0})
	c.Assert(err, check.IsNil)
	rows := writeFile(c, tmpdir+"/rows.txt", "r1\nr2\n")
	cols := writeFile(c, tmpdir+"/cols.txt", "c1\nc2\nc3\n")

	m, err := loadCountMatrix(tmpdir+"/m.npy", rows, cols)
	c.Assert(err, check.IsNil)
	row, err := m.Row("region", "r2")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []float64{0, 3, 0})
}

func (s *matrixSuite) TestLoadErrors(c *check.C) {
	tmpdir := c.MkDir()
	cols := writeFile(c, tmpdir+"/cols.txt", "c1\nc2\nc3\nc4\n")
	rows := writeFile(c, tmpdir+"/rows.txt", "g1\ng2\ng3\n")

	// row-name count mismatch
	short := writeFile(c, tmpdir+"/short.txt", "g1\ng2\n")
	mtx := writeFile(c, tmpdir+"/m.mtx", testMtx)
	_, err := loadCountMatrix(mtx, short, cols)
	c.Check(err, check.ErrorMatches, `.*matrix is 3 x 4 but have 2 row names, 4 column names`)

	// duplicate identifier
	dup := writeFile(c, tmpdir+"/dup.txt", "g1\ng1\ng3\n")
	_, err = loadCountMatrix(mtx, dup, cols)
	c.Check(err, check.ErrorMatches, `.*duplicate row identifier "g1"`)

	// declared nnz mismatch
	bad := writeFile(c, tmpdir+"/bad.mtx", "%%MatrixMarket matrix coordinate integer general\n3 4 2\n1 1 5\n")
	_, err = loadCountMatrix(bad, rows, cols)
	c.Check(err, check.ErrorMatches, `.*declares 2 entries, found 1`)

	// negative count
	neg := writeFile(c, tmpdir+"/neg.mtx", "%%MatrixMarket matrix coordinate integer general\n3 4 1\n1 1 -5\n")
	_, err = loadCountMatrix(neg, rows, cols)
	c.Check(err, check.ErrorMatches, `.*negative count.*`)

	// not MatrixMarket at all
	junk := writeFile(c, tmpdir+"/junk.mtx", "hello\n")
	_, err = loadCountMatrix(junk, rows, cols)
	c.Check(err, check.ErrorMatches, `.*not a MatrixMarket coordinate file.*`)
}

func (s *matrixSuite) TestValidateInputs(c *check.C) {
	expr := newTestCountMatrix(c, []string{"g1"}, []string{"c1", "c2"}, [][]float64{{1, 2}})
	acc := newTestCountMatrix(c, []string{"r1"}, []string{"c2", "c1"}, [][]float64{{1, 2}})
	meta := newTestMetadata([]string{"c1", "c2"}, map[string][]string{
		"cell_type": {"T", "B"},
		"depth":     {"1", "2"},
	})
	c.Check(validateInputs(expr, acc, meta, "cell_type", []string{"depth"}), check.IsNil)

	err := validateInputs(expr, acc, meta, "label", []string{"depth", "batch"})
	c.Assert(err, check.FitsTypeOf, &ValidationError{})
	problems := err.(*ValidationError).Problems
	c.Check(len(problems), check.Equals, 2)

	accShort := newTestCountMatrix(c, []string{"r1"}, []string{"c1"}, [][]float64{{1}})
	err = validateInputs(expr, accShort, meta, "cell_type", nil)
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, `.*expression matrix has 2 cells, accessibility matrix has 1.*`)
}
