package validate

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
)

// ClassScore holds per-label precision, recall and F1.
type ClassScore struct {
	Label     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int // occurrences in the ground truth
}

// Report is the outcome of comparing predictions with ground truth.
type Report struct {
	Total      int
	Accuracy   float64
	WeightedF1 float64
	Labels     []string // sorted union of true and predicted labels
	Matrix     [][]int  // Matrix[i][j]: true Labels[i] predicted as Labels[j]
	Classes    []ClassScore
}

// Evaluate scores predictions against ground truth. Labels with no true or
// predicted samples contribute zero precision or recall instead of failing.
func Evaluate(yTrue, yPred []string) (Report, error) {
	if len(yTrue) != len(yPred) {
		return Report{}, fmt.Errorf("have %d true labels but %d predictions", len(yTrue), len(yPred))
	}

	r := Report{Total: len(yTrue)}
	if r.Total == 0 {
		return r, nil
	}

	seen := map[string]bool{}
	for i := range yTrue {
		seen[yTrue[i]] = true
		seen[yPred[i]] = true
	}
	for l := range seen {
		r.Labels = append(r.Labels, l)
	}
	slices.Sort(r.Labels)

	index := make(map[string]int, len(r.Labels))
	for i, l := range r.Labels {
		index[l] = i
	}
	r.Matrix = make([][]int, len(r.Labels))
	for i := range r.Matrix {
		r.Matrix[i] = make([]int, len(r.Labels))
	}

	correct := 0
	for i := range yTrue {
		r.Matrix[index[yTrue[i]]][index[yPred[i]]]++
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	r.Accuracy = float64(correct) / float64(r.Total)

	for i, label := range r.Labels {
		tp := r.Matrix[i][i]
		support, predicted := 0, 0
		for j := range r.Labels {
			support += r.Matrix[i][j]
			predicted += r.Matrix[j][i]
		}
		cs := ClassScore{Label: label, Support: support}
		if predicted > 0 {
			cs.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			cs.Recall = float64(tp) / float64(support)
		}
		if cs.Precision+cs.Recall > 0 {
			cs.F1 = 2 * cs.Precision * cs.Recall / (cs.Precision + cs.Recall)
		}
		r.Classes = append(r.Classes, cs)
		r.WeightedF1 += cs.F1 * float64(support)
	}
	r.WeightedF1 /= float64(r.Total)
	return r, nil
}

// WriteCSV writes the confusion matrix with a header row and a label column.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"true\\predicted"}, r.Labels...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, label := range r.Labels {
		row := make([]string, 0, len(r.Labels)+1)
		row = append(row, label)
		for _, n := range r.Matrix[i] {
			row = append(row, strconv.Itoa(n))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
