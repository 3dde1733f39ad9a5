package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// sqlStore is the database/sql backend shared by the sqlite and postgres
// drivers. Queries are written with '?' and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect goose.Dialect
	log     logx.Logger
}

// migrate applies the embedded migrations for the store's dialect.
func (s *sqlStore) migrate(ctx context.Context, dir string) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(s.dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info("migration applied",
			logx.Int64("version", r.Source.Version),
			logx.Duration("took", r.Duration),
		)
	}
	return nil
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect != goose.DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) QueryActive(ctx context.Context, flag string) ([]tenant.ID, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	args := []any{tenant.StatusPublished, flag}
	marks := make([]string, 0, len(tenant.TruthyValues))
	for _, v := range tenant.TruthyValues {
		marks = append(marks, "?")
		args = append(args, v)
	}
	q := `SELECT s.id FROM sites s
		JOIN site_settings m ON m.site_id = s.id
		WHERE s.status = ? AND m.key = ? AND lower(trim(m.value)) IN (` + strings.Join(marks, ",") + `)
		ORDER BY s.id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []tenant.ID
	for rows.Next() {
		var id tenant.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) LoadSettings(ctx context.Context, id tenant.ID) (tenant.Settings, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if err := s.siteExists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT key, value FROM site_settings WHERE site_id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := tenant.Settings{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveSetting(ctx context.Context, id tenant.ID, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := s.siteExists(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO site_settings(site_id, key, value) VALUES(?,?,?)
		 ON CONFLICT(site_id, key) DO UPDATE SET value=excluded.value`),
		id, key, value,
	)
	return err
}

func (s *sqlStore) UpsertSite(ctx context.Context, site tenant.Site) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if site.ID <= 0 {
		return errors.New("site id must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO sites(id, name, status) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status`),
		site.ID, site.Name, site.Status,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM site_settings WHERE site_id = ?`), site.ID); err != nil {
		return err
	}
	insert := s.rebind(`INSERT INTO site_settings(site_id, key, value) VALUES(?,?,?)`)
	for k, v := range site.Settings {
		if _, err := tx.ExecContext(ctx, insert, site.ID, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetSite(ctx context.Context, id tenant.ID) (tenant.Site, error) {
	if s == nil || s.db == nil {
		return tenant.Site{}, ErrDisabled
	}
	site := tenant.Site{ID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT name, status FROM sites WHERE id = ?`), id).Scan(&site.Name, &site.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Site{}, fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return tenant.Site{}, err
	}
	site.Settings, err = s.LoadSettings(ctx, id)
	if err != nil {
		return tenant.Site{}, err
	}
	return site, nil
}

func (s *sqlStore) GetCursor(ctx context.Context, key string) (tenant.ID, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var id tenant.ID
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT site_id FROM cursors WHERE key = ?`), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqlStore) SetCursor(ctx context.Context, key string, id tenant.ID) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("cursor key required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO cursors(key, site_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET site_id=excluded.site_id, updated_at=excluded.updated_at`),
		key, id, time.Now().UTC(),
	)
	return err
}

func (s *sqlStore) siteExists(ctx context.Context, id tenant.ID) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM sites WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("site %d: %w", id, ErrNotFound)
	}
	return err
}
