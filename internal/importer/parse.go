package importer

// parse.go turns an uploaded spreadsheet file into an ordered sequence
// of raw rows. Files arrive from whatever a school exports: Windows
// tools prepend a UTF-8 BOM and legacy encodings leak invalid byte
// sequences, so both are scrubbed before the CSV reader sees the data.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrEmptyFile = errors.New("empty file")

// ParseRows parses uploaded file data into rows. The reader tolerates
// ragged rows and lazy quoting; empty rows are dropped.
func ParseRows(data []byte) ([][]string, error) {
	data = StripBOM(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	data = SanitizeUTF8(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	rows := records[:0]
	for _, rec := range records {
		if !isEmptyRow(rec) {
			rows = append(rows, rec)
		}
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	return rows, nil
}

// StripBOM removes a leading UTF-8 byte order mark if present.
func StripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

// SanitizeUTF8 replaces invalid UTF-8 sequences with the replacement
// character. Valid input is returned unchanged without copying.
func SanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		buf.Write(data[:size])
		data = data[size:]
	}
	return buf.Bytes()
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
