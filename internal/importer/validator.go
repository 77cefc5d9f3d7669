package importer

// validator.go maps raw spreadsheet rows to prepared items.
//
// Validation is per-row and accumulating: a bad row never aborts the
// batch, it just contributes errors instead of an item. The whole call
// fails only for an empty row set or a missing tenant context.
//
// Reported row numbers are 1-based and offset past the spreadsheet
// header, so the first data row is row 2.

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// headerRowOffset converts a zero-based data row index to the 1-based
// spreadsheet row number (row 1 is the header).
const headerRowOffset = 2

var (
	ErrNoRows      = errors.New("no rows to validate")
	ErrNoReference = errors.New("missing tenant reference data")
)

// ValidateResult is the outcome of validating a batch of raw rows.
// OK is true iff Errors is empty. Items holds one prepared entry per
// passing row in original order; failed rows contribute no item but do
// not suppress items from other rows.
type ValidateResult struct {
	OK     bool           `json:"ok"`
	Errors []RowError     `json:"errors"`
	Items  []PreparedItem `json:"items"`
}

// Validate checks every raw row against the tenant's reference data and
// returns prepared items for the rows that pass. Rows are positional,
// matching the sample template for the kind (no header row).
func Validate(kind ImportKind, rows [][]string, refs *ReferenceData) (*ValidateResult, error) {
	if refs == nil || refs.SchoolID == "" {
		return nil, ErrNoReference
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	res := &ValidateResult{Errors: []RowError{}, Items: []PreparedItem{}}

	// Student numbers and usernames seen earlier in this batch. The
	// commit is all-or-nothing, so an intra-batch duplicate would
	// otherwise only surface as a whole-job failure at commit time.
	seenNumbers := make(map[string]int)
	seenUsernames := make(map[string]int)

	for i, row := range rows {
		rowNum := i + headerRowOffset

		var item *PreparedItem
		var errs []string
		switch kind {
		case KindStudents:
			item, errs = validateStudentRow(row, refs, seenNumbers, seenUsernames, rowNum)
		case KindQuestions:
			item, errs = validateQuestionRow(row, refs)
		default:
			return nil, fmt.Errorf("unknown import kind %q", kind)
		}

		if len(errs) > 0 {
			for _, msg := range errs {
				n := rowNum
				res.Errors = append(res.Errors, RowError{Row: &n, Message: msg})
			}
			continue
		}
		item.Row = rowNum
		item.Kind = kind
		res.Items = append(res.Items, *item)
	}

	res.OK = len(res.Errors) == 0
	return res, nil
}

// Student template columns:
// full_name, student_number, class, department, academic_year, gender, email
const (
	colFullName = iota
	colStudentNumber
	colClass
	colDepartment
	colAcademicYear
	colGender
	colEmail
)

func validateStudentRow(row []string, refs *ReferenceData, seenNumbers, seenUsernames map[string]int, rowNum int) (*PreparedItem, []string) {
	var errs []string

	fullName := cell(row, colFullName)
	if fullName == "" {
		errs = append(errs, "full name is required")
	}

	number := cell(row, colStudentNumber)
	if number == "" {
		errs = append(errs, "student number is required")
	} else {
		if _, exists := refs.StudentNumbers[strings.ToLower(number)]; exists {
			errs = append(errs, fmt.Sprintf("student number %q is already in use", number))
		}
		if first, dup := seenNumbers[strings.ToLower(number)]; dup {
			errs = append(errs, fmt.Sprintf("student number %q duplicates row %d in this file", number, first))
		} else {
			seenNumbers[strings.ToLower(number)] = rowNum
		}
	}

	classID := ""
	if name := cell(row, colClass); name == "" {
		errs = append(errs, "class is required")
	} else if id, ok := refs.Classes[strings.ToLower(name)]; ok {
		classID = id
	} else {
		errs = append(errs, fmt.Sprintf("unknown class %q", name))
	}

	departmentID := ""
	if name := cell(row, colDepartment); name != "" {
		if id, ok := refs.Departments[strings.ToLower(name)]; ok {
			departmentID = id
		} else {
			errs = append(errs, fmt.Sprintf("unknown department %q", name))
		}
	}

	yearID := ""
	if name := cell(row, colAcademicYear); name != "" {
		if id, ok := refs.AcademicYears[strings.ToLower(name)]; ok {
			yearID = id
		} else {
			errs = append(errs, fmt.Sprintf("unknown academic year %q", name))
		}
	}

	gender := strings.ToLower(cell(row, colGender))
	switch gender {
	case "", "male", "female":
	case "m":
		gender = "male"
	case "f":
		gender = "female"
	default:
		errs = append(errs, fmt.Sprintf("invalid gender %q (use male or female)", cell(row, colGender)))
	}

	email := cell(row, colEmail)
	if email != "" && !strings.Contains(email, "@") {
		errs = append(errs, fmt.Sprintf("invalid email %q", email))
	}

	username := ""
	if number != "" {
		username = SynthesizeUsername(refs.SchoolCode, number)
		if _, exists := refs.Usernames[username]; exists {
			errs = append(errs, fmt.Sprintf("login %q is already in use", username))
		}
		if first, dup := seenUsernames[username]; dup {
			errs = append(errs, fmt.Sprintf("login %q duplicates row %d in this file", username, first))
		} else {
			seenUsernames[username] = rowNum
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &PreparedItem{Student: &PreparedStudent{
		SchoolID:       refs.SchoolID,
		FullName:       fullName,
		StudentNumber:  number,
		Username:       username,
		Password:       NewInitialPassword(),
		ClassID:        classID,
		DepartmentID:   departmentID,
		AcademicYearID: yearID,
		Gender:         gender,
		Email:          email,
	}}, nil
}

// Question template columns:
// subject, type, question, option_a..option_e, answer_key, difficulty, points
const (
	colSubject    = 0
	colType       = 1
	colQuestion   = 2
	colOptionA    = 3 // options A-E occupy columns 3-7
	colAnswerKey  = 8
	colDifficulty = 9
	colPoints     = 10
)

var optionKeys = []string{"A", "B", "C", "D", "E"}

func validateQuestionRow(row []string, refs *ReferenceData) (*PreparedItem, []string) {
	var errs []string

	subjectID := ""
	if name := cell(row, colSubject); name == "" {
		errs = append(errs, "subject is required")
	} else if id, ok := refs.Subjects[strings.ToLower(name)]; ok {
		subjectID = id
	} else {
		errs = append(errs, fmt.Sprintf("unknown subject %q", name))
	}

	qType := QuestionType(strings.ToLower(cell(row, colType)))
	switch qType {
	case QuestionMultipleChoice, QuestionEssay:
	case "":
		errs = append(errs, "question type is required")
	default:
		errs = append(errs, fmt.Sprintf("invalid question type %q (use multiple_choice or essay)", cell(row, colType)))
	}

	text := cell(row, colQuestion)
	if text == "" {
		errs = append(errs, "question text is required")
	}

	options := map[string]string{}
	for i, key := range optionKeys {
		if v := cell(row, colOptionA+i); v != "" {
			options[key] = v
		}
	}

	answerKey := strings.ToUpper(cell(row, colAnswerKey))
	if qType == QuestionMultipleChoice {
		if len(options) < 2 {
			errs = append(errs, "multiple choice questions need at least 2 options")
		}
		if answerKey == "" {
			errs = append(errs, "answer key is required for multiple choice questions")
		} else if _, ok := options[answerKey]; !ok {
			errs = append(errs, fmt.Sprintf("answer key %q is not among the declared options", answerKey))
		}
	}
	if qType == QuestionEssay {
		options = nil
		answerKey = ""
	}

	difficulty := DefaultDifficulty
	if v := cell(row, colDifficulty); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid difficulty %q", v))
		} else {
			difficulty = clamp(n, MinDifficulty, MaxDifficulty)
		}
	}

	points := DefaultPoints
	if v := cell(row, colPoints); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("invalid points %q", v))
		} else {
			points = n
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &PreparedItem{Question: &PreparedQuestion{
		SchoolID:   refs.SchoolID,
		SubjectID:  subjectID,
		Type:       qType,
		Text:       text,
		Options:    options,
		AnswerKey:  answerKey,
		Difficulty: difficulty,
		Points:     points,
	}}, nil
}

// cell safely retrieves a trimmed cell value by position.
func cell(row []string, pos int) string {
	if pos >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[pos])
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// SynthesizeUsername derives the deterministic login identifier from
// the tenant code and the student's external id. Diacritics are
// stripped and anything outside [a-z0-9] collapses to '-' so the result
// is safe as a login regardless of the source spreadsheet's encoding.
func SynthesizeUsername(schoolCode, studentNumber string) string {
	return slug(schoolCode) + "-" + slug(studentNumber)
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func slug(s string) string {
	if out, _, err := transform.String(deaccent, s); err == nil {
		s = out
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Character classes for synthesized initial passwords. The result mixes
// all four classes at a fixed short length.
const (
	passwordLength = 8

	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerChars  = "abcdefghjkmnpqrstuvwxyz"
	digitChars  = "23456789"
	symbolChars = "!@#$%&*?"
)

// NewInitialPassword returns a pseudo-random initial credential with at
// least one character from each of the upper, lower, digit and symbol
// classes.
func NewInitialPassword() string {
	classes := []string{upperChars, lowerChars, digitChars, symbolChars}
	all := upperChars + lowerChars + digitChars + symbolChars

	buf := make([]byte, passwordLength)
	for i := range buf {
		if i < len(classes) {
			c := classes[i]
			buf[i] = c[rand.Intn(len(c))]
			continue
		}
		buf[i] = all[rand.Intn(len(all))]
	}
	rand.Shuffle(len(buf), func(i, j int) {
		buf[i], buf[j] = buf[j], buf[i]
	})
	return string(buf)
}
