package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"iter"
	"strconv"
	"strings"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// CoreDataTypes are the data types downloaded when no selector is given.
var CoreDataTypes = []string{"CRISPR", "Expression", "Mutations", "CN"}

const fileColumns = `f.id, f.name, f.url, f.size, f.md5, f.release_id, f.dataset_id, f.data_type,
	f.state, f.local_digest, f.local_path, f.last_error, f.attempts`

func scanFile(row scanner) (storage.File, error) {
	var (
		f     storage.File
		state string
	)

	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Size, &f.MD5, &f.ReleaseID, &f.DatasetID, &f.DataType,
		&state, &f.LocalDigest, &f.LocalPath, &f.LastError, &f.Attempts)
	f.State = storage.DownloadState(state)

	return f, err
}

func like(term string) string {
	return "%" + term + "%"
}

// Files streams the files matching f, ordered by release and name.
func (s *Store) Files(ctx context.Context, f storage.Filter) iter.Seq2[storage.File, error] {
	var (
		where []string
		args  []any
	)

	if f.DataType != "" {
		where = append(where, "f.data_type = ?")
		args = append(args, f.DataType)
	}

	if f.Term != "" {
		where = append(where, "f.name LIKE ?")
		args = append(args, like(f.Term))
	}

	if f.Name != "" {
		where = append(where, "f.name = ?")
		args = append(args, f.Name)
	}

	if f.ReleaseID != "" {
		where = append(where, "(f.release_id = ? OR r.name = ?)")
		args = append(args, f.ReleaseID, f.ReleaseID)
	}

	// A dataset selector also matches files whose release name or file name
	// mentions the dataset id, since the file listing carries no dataset column.
	if f.DatasetID != "" {
		where = append(where, "(f.dataset_id = ? OR r.name LIKE ? OR f.name LIKE ?)")
		args = append(args, f.DatasetID, like(f.DatasetID), like(f.DatasetID))
	}

	if f.CurrentOnly {
		where = append(where, "r.is_current = 1")
	}

	if f.CoreOnly {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(CoreDataTypes)), ", ")
		where = append(where, "(f.data_type IN ("+placeholders+") OR f.name LIKE '%GeneEffect%' OR f.name LIKE '%Model%')")

		for _, dt := range CoreDataTypes {
			args = append(args, dt)
		}
	}

	q := "SELECT " + fileColumns + " FROM files f LEFT JOIN releases r ON r.id = f.release_id"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	q += " ORDER BY r.release_date DESC, f.release_id, f.name"

	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return query(ctx, s.db, "list_files", q, args, scanFile)
}

// File returns a single file by id.
func (s *Store) File(ctx context.Context, id int64) (storage.File, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files f WHERE f.id = ?", id)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.File{}, &storage.NotFoundError{Kind: "file", Key: strconv.FormatInt(id, 10)}
	}

	return f, persistErr("get_file", err)
}

// Releases streams releases newest first with their file counts.
func (s *Store) Releases(ctx context.Context, f storage.Filter) iter.Seq2[storage.Release, error] {
	var (
		where []string
		args  []any
	)

	if f.Term != "" {
		where = append(where, "r.name LIKE ?")
		args = append(args, like(f.Term))
	}

	if f.CurrentOnly {
		where = append(where, "r.is_current = 1")
	}

	q := `SELECT r.id, r.name, r.release_date, r.is_current, COUNT(f.id)
		FROM releases r LEFT JOIN files f ON f.release_id = r.id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	q += " GROUP BY r.id ORDER BY r.release_date DESC, r.name"

	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return query(ctx, s.db, "list_releases", q, args, func(row scanner) (storage.Release, error) {
		var (
			r    storage.Release
			date sql.NullString
		)

		err := row.Scan(&r.ID, &r.Name, &date, &r.IsCurrent, &r.FileCount)
		r.ReleaseDate = parseTime(date)

		return r, err
	})
}

// Datasets streams datasets ordered by data type and display name.
func (s *Store) Datasets(ctx context.Context, f storage.Filter) iter.Seq2[storage.Dataset, error] {
	var (
		where []string
		args  []any
	)

	if f.DataType != "" {
		where = append(where, "data_type = ?")
		args = append(args, f.DataType)
	}

	if f.Term != "" {
		where = append(where, "(display_name LIKE ? OR data_type LIKE ?)")
		args = append(args, like(f.Term), like(f.Term))
	}

	q := "SELECT id, display_name, data_type, download_entry_url FROM datasets"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	q += " ORDER BY data_type, display_name"

	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return query(ctx, s.db, "list_datasets", q, args, scanDataset)
}

func scanDataset(row scanner) (storage.Dataset, error) {
	var d storage.Dataset

	err := row.Scan(&d.ID, &d.DisplayName, &d.DataType, &d.DownloadEntryURL)

	return d, err
}

// Search returns results of the requested kind whose searchable fields contain term.
// Each kind contributes at most limit results.
func (s *Store) Search(ctx context.Context, term string, kind storage.SearchKind, limit int) ([]storage.SearchResult, error) {
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}

	var results []storage.SearchResult

	if kind.Includes(storage.SearchGenes) {
		seq := query(ctx, s.db, "search_genes", `
			SELECT entrez_id, gene, dataset, dependent_cell_lines, cell_lines_with_data, strongly_selective, common_essential
			FROM gene_dependencies WHERE gene LIKE ?
			ORDER BY dependent_cell_lines DESC LIMIT ?`,
			[]any{like(term), limit}, func(row scanner) (storage.SearchResult, error) {
				var g storage.GeneDependency

				err := row.Scan(&g.EntrezID, &g.Gene, &g.Dataset, &g.DependentCellLines, &g.CellLinesWithData,
					&g.StronglySelective, &g.CommonEssential)

				return storage.GeneResult{GeneDependency: g}, err
			})

		if err := appendAll(&results, seq); err != nil {
			return nil, err
		}
	}

	if kind.Includes(storage.SearchCellLines) {
		seq := query(ctx, s.db, "search_cell_lines", `
			SELECT id, name, lineage, tissue, datasets_available FROM cell_lines
			WHERE name LIKE ? OR lineage LIKE ? OR tissue LIKE ?
			ORDER BY name LIMIT ?`,
			[]any{like(term), like(term), like(term), limit}, func(row scanner) (storage.SearchResult, error) {
				var (
					c        storage.CellLine
					datasets string
				)

				if err := row.Scan(&c.ID, &c.Name, &c.Lineage, &c.Tissue, &datasets); err != nil {
					return nil, err
				}

				if err := json.Unmarshal([]byte(datasets), &c.DatasetsAvailable); err != nil {
					return nil, err
				}

				return storage.CellLineResult{CellLine: c}, nil
			})

		if err := appendAll(&results, seq); err != nil {
			return nil, err
		}
	}

	if kind.Includes(storage.SearchDatasets) {
		seq := query(ctx, s.db, "search_datasets", `
			SELECT id, display_name, data_type, download_entry_url FROM datasets
			WHERE display_name LIKE ? OR data_type LIKE ?
			ORDER BY display_name LIMIT ?`,
			[]any{like(term), like(term), limit}, func(row scanner) (storage.SearchResult, error) {
				d, err := scanDataset(row)

				return storage.DatasetResult{Dataset: d}, err
			})

		if err := appendAll(&results, seq); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func appendAll(dst *[]storage.SearchResult, seq iter.Seq2[storage.SearchResult, error]) error {
	for r, err := range seq {
		if err != nil {
			return err
		}

		*dst = append(*dst, r)
	}

	return nil
}

// Stats counts the cache contents. Per-release and per-type breakdowns are
// filled only when detailed is set.
func (s *Store) Stats(ctx context.Context, detailed bool) (storage.Stats, error) {
	var (
		st          storage.Stats
		lastUpdated sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM releases),
			(SELECT COUNT(*) FROM datasets),
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM files WHERE state = 'verified'),
			(SELECT COUNT(*) FROM cell_lines),
			(SELECT COUNT(*) FROM gene_dependencies),
			(SELECT COALESCE(SUM(size), 0) FROM files),
			(SELECT MAX(synced_at) FROM sync_state)`,
	).Scan(&st.Releases, &st.Datasets, &st.Files, &st.FilesVerified, &st.CellLines, &st.GeneDeps,
		&st.TotalSize, &lastUpdated)
	if err != nil {
		return storage.Stats{}, persistErr("stats", err)
	}

	st.LastUpdated = parseTime(lastUpdated)

	if !detailed {
		return st, nil
	}

	st.FilesPerRelease = make(map[string]int)

	for r, err := range s.Releases(ctx, storage.Filter{}) {
		if err != nil {
			return storage.Stats{}, err
		}

		st.FilesPerRelease[r.Name] = r.FileCount
	}

	st.DatasetsPerType = make(map[string]int)

	perType := query(ctx, s.db, "stats", `SELECT data_type, COUNT(*) FROM datasets GROUP BY data_type`, nil,
		func(row scanner) (typeCount, error) {
			var v typeCount

			err := row.Scan(&v.dataType, &v.count)

			return v, err
		})

	for v, err := range perType {
		if err != nil {
			return storage.Stats{}, err
		}

		st.DatasetsPerType[v.dataType] = v.count
	}

	return st, nil
}

type typeCount struct {
	dataType string
	count    int
}
