package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/chain"
)

// readVector reads a single-column numeric file, one value per line.
func readVector(fn string) ([]float64, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %v", fn, len(out)+1, err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

// readMatrix reads a CSV file into a dense matrix.
func readMatrix(fn string) (*mat.Dense, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty matrix", fn)
	}
	p := len(records[0])
	m := mat.NewDense(len(records), p, nil)
	for i, rec := range records {
		if len(rec) != p {
			return nil, fmt.Errorf("%s row %d: %d fields, expected %d", fn, i+1, len(rec), p)
		}
		for j, s := range rec {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d: %v", fn, i+1, err)
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// readDesign reads the fixed-effect design, or builds an intercept-only
// one when no file is given.
func readDesign(fn string, n int) (*mat.Dense, error) {
	if fn == "" {
		z := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			z.Set(i, 0, 1)
		}
		return z, nil
	}
	z, err := readMatrix(fn)
	if err != nil {
		return nil, err
	}
	if zn, _ := z.Dims(); zn != n {
		return nil, fmt.Errorf("%s: design has %d rows, response has %d", fn, zn, n)
	}
	return z, nil
}

// writeTreeRecords writes the terminal-node draws as TSV.
func writeTreeRecords(fn string, res *chain.Results) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "iter\tpair\tside\texposure\ttmin\ttmax\test\texpvar")
	for _, tr := range res.Trees {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%g\t%g\n",
			tr.Iter, tr.Pair, tr.Side, tr.Exp, tr.TMin, tr.TMax, tr.Est, tr.ExpVar)
	}
	return w.Flush()
}

// writeMixRecords writes the interaction draws as TSV.
func writeMixRecords(fn string, res *chain.Results) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "iter\tpair\texp1\tt1min\tt1max\texp2\tt2min\tt2max\test")
	for _, mr := range res.Mix {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%g\n",
			mr.Iter, mr.Pair, mr.Exp1, mr.T1Min, mr.T1Max, mr.Exp2, mr.T2Min, mr.T2Max, mr.Est)
	}
	return w.Flush()
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func colMeans(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, len(rows[0]))
	for _, row := range rows {
		for j, x := range row {
			out[j] += x
		}
	}
	for j := range out {
		out[j] /= float64(len(rows))
	}
	return out
}
