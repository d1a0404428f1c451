package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "defectbot/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

const defectColumns = `id, equipment, description, section, time_found, danger_level, status,
	assigned_to, responsible, time_started, time_completed, photo_url`

func (s *sqlStore) migrate(ctx context.Context, file string) error {
	b, err := schemaFS.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	names := make([]string, 0, len(DefaultDropdownLists))
	for name := range DefaultDropdownLists {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO dropdown_lists(list_name, items) VALUES(?, ?) ON CONFLICT(list_name) DO NOTHING`),
			name, DefaultDropdownLists[name],
		); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateDefect(ctx context.Context, d Defect) (int64, error) {
	if d.Status == "" {
		d.Status = DefaultStatus
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO defects(equipment, description, section, time_found, danger_level, status, responsible, photo_url)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		d.Equipment, d.Description, d.Section, d.TimeFound, d.DangerLevel, d.Status,
		nullStr(d.Responsible), nullStr(d.PhotoURL),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert defect: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetDefect(ctx context.Context, id int64) (Defect, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+defectColumns+` FROM defects WHERE id = ?`), id)
	d, err := scanDefect(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Defect{}, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) ListDefects(ctx context.Context, f DefectFilter) ([]Defect, error) {
	q := `SELECT ` + defectColumns + ` FROM defects WHERE 1=1`
	args := make([]any, 0, 4)
	for _, c := range []struct{ col, val string }{
		{"section", f.Section},
		{"status", f.Status},
		{"danger_level", f.DangerLevel},
		{"assigned_to", f.AssignedTo},
	} {
		if c.val != "" {
			q += " AND " + c.col + " = ?"
			args = append(args, c.val)
		}
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Defect, 0, 16)
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateDefect(ctx context.Context, id int64, p DefectPatch) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	for _, c := range []struct {
		col string
		val *string
	}{
		{"status", p.Status},
		{"assigned_to", p.AssignedTo},
		{"responsible", p.Responsible},
		{"time_started", p.TimeStarted},
		{"time_completed", p.TimeCompleted},
	} {
		if c.val == nil {
			continue
		}
		sets = append(sets, c.col+" = ?")
		args = append(args, nullStr(*c.val))
	}
	if len(sets) == 0 {
		return ErrNotFound
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE defects SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update defect %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DropdownLists(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT list_name, items FROM dropdown_lists`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var name string
		var items sql.NullString
		if err := rows.Scan(&name, &items); err != nil {
			return nil, err
		}
		out[name] = SplitItems(items.String)
	}
	return out, rows.Err()
}

// SplitItems splits a newline-separated list, trimming blanks.
func SplitItems(raw string) []string {
	out := []string{}
	for _, it := range strings.Split(raw, "\n") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func (s *sqlStore) UpdateDropdownLists(ctx context.Context, lists map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := s.rebind(`INSERT INTO dropdown_lists(list_name, items) VALUES(?, ?)
		ON CONFLICT(list_name) DO UPDATE SET items = excluded.items`)
	for name, items := range lists {
		if _, err := tx.ExecContext(ctx, q, name, items); err != nil {
			return fmt.Errorf("upsert list %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Subscribe(ctx context.Context, name, telegramID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO users(name, telegram_id) VALUES(?, ?)`), name, telegramID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqlStore) UserByName(ctx context.Context, name string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, telegram_id FROM users WHERE name = ? ORDER BY id LIMIT 1`), name,
	).Scan(&u.ID, &u.Name, &u.TelegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// Optimize refreshes planner statistics.
func (s *sqlStore) Optimize(ctx context.Context) error {
	q := "PRAGMA optimize"
	if s.dialect == dialectPostgres {
		q = "ANALYZE"
	}
	_, err := s.db.ExecContext(ctx, q)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefect(r rowScanner) (Defect, error) {
	var (
		d    Defect
		cols [11]sql.NullString
	)
	if err := r.Scan(&d.ID, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5],
		&cols[6], &cols[7], &cols[8], &cols[9], &cols[10]); err != nil {
		return Defect{}, err
	}
	d.Equipment = cols[0].String
	d.Description = cols[1].String
	d.Section = cols[2].String
	d.TimeFound = cols[3].String
	d.DangerLevel = cols[4].String
	d.Status = cols[5].String
	d.AssignedTo = cols[6].String
	d.Responsible = cols[7].String
	d.TimeStarted = cols[8].String
	d.TimeCompleted = cols[9].String
	d.PhotoURL = cols[10].String
	return d, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended codes may be off; fall back to the primary code.
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
