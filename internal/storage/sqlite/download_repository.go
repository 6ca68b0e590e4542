package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/italolelis/depmap_downloader/internal/storage"
)

// ClaimFile atomically moves a file to in_progress under token. The previous
// state is kept so a canceled attempt can restore it.
func (s *Store) ClaimFile(ctx context.Context, fileID int64, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			prev_state = state,
			state = 'in_progress',
			locked_by = ?,
			claimed_at = ?
		WHERE id = ? AND (locked_by IS NULL OR locked_by = '')`,
		token, s.timestamp(), fileID)
	if err != nil {
		return persistErr("claim_file", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int

	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, fileID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{Kind: "file", Key: strconv.FormatInt(fileID, 10)}
	}

	if err != nil {
		return persistErr("claim_file", err)
	}

	return storage.ErrClaimed
}

// RecordDownloadOutcome writes the terminal state of an attempt and releases the claim.
// All outcome columns change in one statement. A verified outcome whose digest
// no longer matches the expected one, changed by a sync during the transfer,
// is recorded as stale.
func (s *Store) RecordDownloadOutcome(ctx context.Context, fileID int64, token string, o storage.Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			state = CASE
				WHEN ? = 'verified' AND COALESCE(md5, '') <> '' AND lower(md5) <> lower(?) THEN 'stale'
				ELSE ?
			END,
			local_digest = ?,
			local_path = ?,
			last_error = ?,
			attempts = ?,
			prev_state = NULL,
			locked_by = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND locked_by = ?`,
		string(o.State), o.Digest, string(o.State), o.Digest, o.LocalPath, o.Err, o.Attempts, s.timestamp(), fileID, token)
	if err != nil {
		return persistErr("record_download_outcome", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrClaimed
	}

	return nil
}

// ReleaseClaim drops the claim and restores the state held before it.
func (s *Store) ReleaseClaim(ctx context.Context, fileID int64, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			state = COALESCE(prev_state, state),
			prev_state = NULL,
			locked_by = NULL,
			claimed_at = NULL
		WHERE id = ? AND locked_by = ?`,
		fileID, token)

	return persistErr("release_claim", err)
}

// ResetAbandonedClaims releases claims older than cutoff, left behind by a
// process that died mid-transfer. It returns the number of files released.
func (s *Store) ResetAbandonedClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			state = COALESCE(prev_state, 'not_started'),
			prev_state = NULL,
			locked_by = NULL,
			claimed_at = NULL
		WHERE locked_by IS NOT NULL AND claimed_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, persistErr("reset_abandoned_claims", err)
	}

	n, _ := res.RowsAffected()

	return n, nil
}
