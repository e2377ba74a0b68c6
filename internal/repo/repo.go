package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coveriteam/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const installationColumns = `id,actor_name,definition_path,COALESCE(format_version,''),archive_location,install_dir,tool_name,memlimit,timelimit,cpu_cores,included_files_json,downloaded,installed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstallation(row scanner) (domain.Installation, error) {
	var (
		inst     domain.Installation
		cores    sql.NullInt64
		included string
		fresh    int
	)
	err := row.Scan(&inst.ID, &inst.ActorName, &inst.DefinitionPath, &inst.FormatVersion, &inst.ArchiveLocation,
		&inst.InstallDir, &inst.ToolName, &inst.MemLimit, &inst.TimeLimit, &cores, &included, &fresh, &inst.InstalledAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if cores.Valid {
		inst.CPUCores = int(cores.Int64)
	}
	inst.Downloaded = fresh != 0
	if err := json.Unmarshal([]byte(included), &inst.IncludedFiles); err != nil {
		return inst, fmt.Errorf("decode included files of %s: %w", inst.ActorName, err)
	}
	return inst, nil
}

// UpsertInstallationTx records an installation, replacing any previous row for
// the same actor_name. The returned id is the one stored, which is the
// original id when the actor was installed before.
func (r Repo) UpsertInstallationTx(ctx context.Context, tx *sql.Tx, inst domain.Installation) (string, error) {
	included := inst.IncludedFiles
	if included == nil {
		included = []string{}
	}
	payload, err := json.Marshal(included)
	if err != nil {
		return "", err
	}
	fresh := 0
	if inst.Downloaded {
		fresh = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO installations(id,actor_name,definition_path,format_version,archive_location,install_dir,tool_name,memlimit,timelimit,cpu_cores,included_files_json,downloaded,installed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(actor_name) DO UPDATE SET definition_path=excluded.definition_path, format_version=excluded.format_version,
  archive_location=excluded.archive_location, install_dir=excluded.install_dir, tool_name=excluded.tool_name,
  memlimit=excluded.memlimit, timelimit=excluded.timelimit, cpu_cores=excluded.cpu_cores,
  included_files_json=excluded.included_files_json, downloaded=excluded.downloaded, installed_at=excluded.installed_at`,
		inst.ID, inst.ActorName, inst.DefinitionPath, nullable(inst.FormatVersion), inst.ArchiveLocation, inst.InstallDir,
		inst.ToolName, inst.MemLimit, inst.TimeLimit, nullableInt(inst.CPUCores), string(payload), fresh, inst.InstalledAt)
	if err != nil {
		return "", err
	}
	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM installations WHERE actor_name=?`, inst.ActorName).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r Repo) GetInstallation(ctx context.Context, actorName string) (domain.Installation, error) {
	return scanInstallation(r.DB.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE actor_name=?`, actorName))
}

func (r Repo) ListInstallations(ctx context.Context) ([]domain.Installation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations ORDER BY actor_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// EventFilters narrow LatestEvents.
type EventFilters struct {
	Limit     int
	Cursor    int64
	Type      string
	ActorName string
}

// LatestEvents returns events newest first. A positive Cursor returns only
// events older than it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActorName != "" {
		clauses = append(clauses, "actor_name=?")
		args = append(args, f.ActorName)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(actor_name,''),subject,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(actor_name,''),subject,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID, or 0 for an empty ledger.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ActorName, &e.Subject, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
