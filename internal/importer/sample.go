package importer

// sample.go publishes the expected spreadsheet layout for each import
// domain. The validator reads rows positionally against these columns,
// so the downloadable template is the contract.

import (
	"encoding/csv"
	"fmt"
	"io"
)

var templateColumns = map[ImportKind][]string{
	KindStudents: {
		"full_name", "student_number", "class", "department",
		"academic_year", "gender", "email",
	},
	KindQuestions: {
		"subject", "type", "question",
		"option_a", "option_b", "option_c", "option_d", "option_e",
		"answer_key", "difficulty", "points",
	},
}

var templateExamples = map[ImportKind][]string{
	KindStudents: {
		"Budi Santoso", "2024-0815", "X IPA 1", "Science",
		"2024/2025", "male", "budi@example.sch.id",
	},
	KindQuestions: {
		"Mathematics", "multiple_choice", "What is 2 + 2?",
		"3", "4", "5", "6", "",
		"B", "3", "10",
	},
}

// TemplateColumns returns the expected column headers for a kind.
func TemplateColumns(kind ImportKind) ([]string, error) {
	cols, ok := templateColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown import kind %q", kind)
	}
	return cols, nil
}

// WriteSampleCSV writes the template spreadsheet: a header row plus one
// example data row.
func WriteSampleCSV(w io.Writer, kind ImportKind) error {
	cols, err := TemplateColumns(kind)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	if err := cw.Write(templateExamples[kind]); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
