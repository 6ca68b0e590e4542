package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

const upsertFileSQL = `
	INSERT INTO files (name, url, size, md5, release_id, dataset_id, data_type, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (name, release_id, dataset_id) DO UPDATE SET
		url = excluded.url,
		size = excluded.size,
		data_type = excluded.data_type,
		state = CASE WHEN files.state = 'verified' AND files.md5 <> excluded.md5 THEN 'stale' ELSE files.state END,
		prev_state = CASE WHEN files.prev_state = 'verified' AND files.md5 <> excluded.md5 THEN 'stale' ELSE files.prev_state END,
		md5 = excluded.md5,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertRelease writes a release and its files in one transaction.
// A verified file whose expected digest changes becomes stale.
func (s *Store) UpsertRelease(ctx context.Context, r storage.Release, files []storage.File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("upsert_release", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var releaseDate any
	if !r.ReleaseDate.IsZero() {
		releaseDate = r.ReleaseDate.UTC().Format(time.DateOnly)
	}

	now := s.timestamp()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO releases (id, name, release_date, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			release_date = excluded.release_date,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, releaseDate, now,
	); err != nil {
		return persistErr("upsert_release", err)
	}

	for _, f := range files {
		f.ReleaseID = r.ID
		if err := upsertFile(ctx, tx, f, now); err != nil {
			return persistErr("upsert_release", err)
		}
	}

	return persistErr("upsert_release", tx.Commit())
}

// UpsertFile writes a single file. A file that names a release must reference
// one that is already committed.
func (s *Store) UpsertFile(ctx context.Context, f storage.File) error {
	if f.ReleaseID != "" {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM releases WHERE id = ?`, f.ReleaseID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &storage.NotFoundError{Kind: "release", Key: f.ReleaseID}
		}

		if err != nil {
			return persistErr("upsert_file", err)
		}
	}

	return persistErr("upsert_file", upsertFile(ctx, s.db, f, s.timestamp()))
}

func upsertFile(ctx context.Context, ex execer, f storage.File, now string) error {
	_, err := ex.ExecContext(ctx, upsertFileSQL,
		f.Name, f.URL, f.Size, f.MD5, f.ReleaseID, f.DatasetID, f.DataType, now)

	return err
}

func (s *Store) UpsertDataset(ctx context.Context, d storage.Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, display_name, data_type, download_entry_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			data_type = excluded.data_type,
			download_entry_url = excluded.download_entry_url,
			updated_at = excluded.updated_at`,
		d.ID, d.DisplayName, d.DataType, d.DownloadEntryURL, s.timestamp(),
	)

	return persistErr("upsert_dataset", err)
}

// UpsertGeneDependencies writes a batch of gene dependency rows in one transaction.
func (s *Store) UpsertGeneDependencies(ctx context.Context, deps []storage.GeneDependency) error {
	if len(deps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("upsert_gene_dependencies", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gene_dependencies
			(entrez_id, gene, dataset, dependent_cell_lines, cell_lines_with_data, strongly_selective, common_essential)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entrez_id, dataset) DO UPDATE SET
			gene = excluded.gene,
			dependent_cell_lines = excluded.dependent_cell_lines,
			cell_lines_with_data = excluded.cell_lines_with_data,
			strongly_selective = excluded.strongly_selective,
			common_essential = excluded.common_essential`)
	if err != nil {
		return persistErr("upsert_gene_dependencies", err)
	}
	defer stmt.Close()

	for _, d := range deps {
		if _, err := stmt.ExecContext(ctx, d.EntrezID, d.Gene, d.Dataset, d.DependentCellLines,
			d.CellLinesWithData, boolToInt(d.StronglySelective), boolToInt(d.CommonEssential)); err != nil {
			return persistErr("upsert_gene_dependencies", err)
		}
	}

	return persistErr("upsert_gene_dependencies", tx.Commit())
}

func (s *Store) UpsertCellLine(ctx context.Context, c storage.CellLine) error {
	datasets := c.DatasetsAvailable
	if datasets == nil {
		datasets = []string{}
	}

	encoded, err := json.Marshal(datasets)
	if err != nil {
		return fmt.Errorf("failed to encode datasets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cell_lines (id, name, lineage, tissue, datasets_available) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lineage = excluded.lineage,
			tissue = excluded.tissue,
			datasets_available = excluded.datasets_available`,
		c.ID, c.Name, c.Lineage, c.Tissue, string(encoded),
	)

	return persistErr("upsert_cell_line", err)
}

// SetCurrentRelease moves the current flag to releaseID in a single statement.
func (s *Store) SetCurrentRelease(ctx context.Context, releaseID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE releases SET is_current = (id = ?)
		WHERE EXISTS (SELECT 1 FROM releases WHERE id = ?)`, releaseID, releaseID)
	if err != nil {
		return persistErr("set_current_release", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{Kind: "release", Key: releaseID}
	}

	return nil
}

func (s *Store) LastSyncTime(ctx context.Context, c storage.Category) (time.Time, error) {
	var syncedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `SELECT synced_at FROM sync_state WHERE category = ?`, string(c)).Scan(&syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, persistErr("last_sync_time", err)
	}

	return parseTime(syncedAt), nil
}

func (s *Store) MarkSynced(ctx context.Context, c storage.Category, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (category, synced_at) VALUES (?, ?)
		ON CONFLICT (category) DO UPDATE SET synced_at = excluded.synced_at`,
		string(c), at.UTC().Format(timeLayout))

	return persistErr("mark_synced", err)
}

// Clear deletes the rows in scope and resets the freshness of the affected
// categories so the next update refetches them.
func (s *Store) Clear(ctx context.Context, scope storage.Scope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("clear", err)
	}
	defer tx.Rollback() //nolint:errcheck

	type statement struct {
		q    string
		args []any
	}

	var stmts []statement

	add := func(q string, args ...any) {
		stmts = append(stmts, statement{q, args})
	}

	if scope.IsAll() {
		add(`DELETE FROM files`)
		add(`DELETE FROM releases`)
		add(`DELETE FROM datasets`)
		add(`DELETE FROM gene_dependencies`)
		add(`DELETE FROM cell_lines`)
	} else {
		add(`DELETE FROM files WHERE data_type = ?`, scope.DataType)
		add(`DELETE FROM datasets WHERE data_type = ?`, scope.DataType)
	}

	var affected int64

	for _, st := range stmts {
		res, err := tx.ExecContext(ctx, st.q, st.args...)
		if err != nil {
			return persistErr("clear", err)
		}

		n, _ := res.RowsAffected()
		affected += n
	}

	if affected == 0 {
		if scope.IsAll() {
			return &storage.NotFoundError{Kind: "cache entries"}
		}

		return &storage.NotFoundError{Kind: "data type", Key: scope.DataType}
	}

	if scope.IsAll() {
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_state`)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_state WHERE category IN (?, ?)`,
			string(storage.CategoryReleases), string(storage.CategoryDatasets))
	}

	if err != nil {
		return persistErr("clear", err)
	}

	return persistErr("clear", tx.Commit())
}
