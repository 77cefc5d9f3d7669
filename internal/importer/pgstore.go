package importer

// pgstore.go is the PostgreSQL implementation of Store.
//
// CommitBatch writes every record of the batch inside a single
// transaction: a roster item becomes a user account, a student detail
// record and a class membership; a question item becomes one question
// record. The first failing item aborts the transaction and surfaces as
// a CommitError carrying the item index.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrSchoolNotFound is returned when the tenant cannot be resolved.
var ErrSchoolNotFound = errors.New("school not found")

// PgStore implements Store on a pgx connection pool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL-backed store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// References loads the tenant-scoped lookup context used by the
// validator: name-to-id maps for classes, departments, subjects,
// academic years and exam periods, plus the existing student numbers
// and usernames for uniqueness checks.
func (s *PgStore) References(ctx context.Context, schoolID string) (*ReferenceData, error) {
	refs := &ReferenceData{SchoolID: schoolID}

	err := s.pool.QueryRow(ctx,
		`SELECT code FROM schools WHERE id = $1`, schoolID,
	).Scan(&refs.SchoolCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSchoolNotFound, schoolID)
		}
		return nil, fmt.Errorf("load school: %w", err)
	}

	lookups := []struct {
		query string
		dest  *map[string]string
	}{
		{`SELECT id, name FROM classes WHERE school_id = $1`, &refs.Classes},
		{`SELECT id, name FROM departments WHERE school_id = $1`, &refs.Departments},
		{`SELECT id, name FROM subjects WHERE school_id = $1`, &refs.Subjects},
		{`SELECT id, name FROM academic_years WHERE school_id = $1`, &refs.AcademicYears},
		{`SELECT id, name FROM exam_periods WHERE school_id = $1`, &refs.Periods},
	}
	for _, l := range lookups {
		m, err := s.loadNameIndex(ctx, l.query, schoolID)
		if err != nil {
			return nil, err
		}
		*l.dest = m
	}

	refs.StudentNumbers, err = s.loadValueSet(ctx,
		`SELECT student_number FROM student_details WHERE school_id = $1`, schoolID)
	if err != nil {
		return nil, err
	}
	refs.Usernames, err = s.loadValueSet(ctx,
		`SELECT username FROM users WHERE school_id = $1`, schoolID)
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// loadNameIndex builds a lowercased name -> id map from a two-column query.
func (s *PgStore) loadNameIndex(ctx context.Context, query, schoolID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, query, schoolID)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		m[strings.ToLower(name)] = id
	}
	return m, rows.Err()
}

// loadValueSet builds a lowercased set from a one-column query.
func (s *PgStore) loadValueSet(ctx context.Context, query, schoolID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, query, schoolID)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		set[strings.ToLower(v)] = struct{}{}
	}
	return set, rows.Err()
}

// CommitBatch creates all records for the batch in one transaction.
// Items commit strictly in order; progress is invoked after each item.
func (s *PgStore) CommitBatch(ctx context.Context, kind ImportKind, items []PreparedItem, progress func(done int)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, item := range items {
		switch {
		case kind == KindStudents && item.Student != nil:
			err = insertStudent(ctx, tx, item.Student)
		case kind == KindQuestions && item.Question != nil:
			err = insertQuestion(ctx, tx, item.Question)
		default:
			err = fmt.Errorf("item payload does not match kind %q", kind)
		}
		if err != nil {
			return &CommitError{Index: i, Err: err}
		}
		if progress != nil {
			progress(i + 1)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertStudent(ctx context.Context, tx pgx.Tx, st *PreparedStudent) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(st.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}

	userID := uuid.New().String()
	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, school_id, username, password_hash, full_name, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'student', now())`,
		userID, st.SchoolID, st.Username, string(hash), st.FullName)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO student_details (id, user_id, school_id, student_number, class_id, department_id, academic_year_id, gender, email)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), userID, st.SchoolID, st.StudentNumber, st.ClassID,
		nullText(st.DepartmentID), nullText(st.AcademicYearID), nullText(st.Gender), nullText(st.Email))
	if err != nil {
		return fmt.Errorf("create student detail: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO class_members (id, class_id, user_id, academic_year_id)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), st.ClassID, userID, nullText(st.AcademicYearID))
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}

	return nil
}

func insertQuestion(ctx context.Context, tx pgx.Tx, q *PreparedQuestion) error {
	var options []byte
	if len(q.Options) > 0 {
		var err error
		options, err = json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO questions (id, school_id, subject_id, class_id, period_id, question_type, question_text, options, answer_key, difficulty, points, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		uuid.New().String(), q.SchoolID, q.SubjectID, nullText(q.ClassID), nullText(q.PeriodID),
		string(q.Type), q.Text, options, nullText(q.AnswerKey), q.Difficulty, q.Points)
	if err != nil {
		return fmt.Errorf("create question: %w", err)
	}
	return nil
}

// nullText maps an empty string to SQL NULL.
func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
