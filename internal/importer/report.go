package importer

// report.go renders a failed job's error list as a downloadable CSV.
// Quoting and escaping follow encoding/csv, so embedded commas and
// quotes in messages round-trip cleanly.

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteErrorReport writes the two-column error report. The row column
// is blank for errors that could not be attributed to a row.
func WriteErrorReport(w io.Writer, errs []RowError) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"row", "message"}); err != nil {
		return err
	}
	for _, re := range errs {
		row := ""
		if re.Row != nil {
			row = strconv.Itoa(*re.Row)
		}
		if err := cw.Write([]string{row, re.Message}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
