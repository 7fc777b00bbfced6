package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isnlan/crosscopy/models"
)

// UpsertBlockRecord inserts or extends a block row for one peer.
func (s *Store) UpsertBlockRecord(record models.BlockRecord) error {
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.BlockedUntil.IsZero() {
		return errors.New("blocked_until is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO block_records (
			peer_id,
			blocked_until,
			reason,
			created_at
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			blocked_until = excluded.blocked_until,
			reason = excluded.reason`,
		record.PeerID,
		record.BlockedUntil.UnixMilli(),
		record.Reason,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert block record %q: %w", record.PeerID, err)
	}

	return nil
}

// GetBlockRecord fetches one block row by peer ID.
func (s *Store) GetBlockRecord(peerID string) (*models.BlockRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			blocked_until,
			reason,
			created_at
		FROM block_records
		WHERE peer_id = ?`,
		peerID,
	)

	record, err := scanBlockRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get block record %q: %w", peerID, err)
	}

	return record, nil
}

// ListBlockRecords returns all block rows, soonest to expire first.
func (s *Store) ListBlockRecords() ([]models.BlockRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			blocked_until,
			reason,
			created_at
		FROM block_records
		ORDER BY blocked_until, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list block records: %w", err)
	}
	defer rows.Close()

	records := make([]models.BlockRecord, 0)
	for rows.Next() {
		record, err := scanBlockRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block record row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block record rows: %w", err)
	}

	return records, nil
}

// RemoveBlockRecord deletes a block row by peer ID.
func (s *Store) RemoveBlockRecord(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM block_records WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove block record %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove block record %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteExpiredBlockRecords removes rows whose cool-down passed before now.
func (s *Store) DeleteExpiredBlockRecords(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM block_records WHERE blocked_until < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired block records: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for expired block records: %w", err)
	}

	return rowsAffected, nil
}

func scanBlockRecord(row scanner) (*models.BlockRecord, error) {
	var (
		record       models.BlockRecord
		blockedUntil int64
		createdAt    int64
	)

	if err := row.Scan(
		&record.PeerID,
		&blockedUntil,
		&record.Reason,
		&createdAt,
	); err != nil {
		return nil, err
	}

	record.BlockedUntil = time.UnixMilli(blockedUntil)
	record.CreatedAt = time.UnixMilli(createdAt)

	return &record, nil
}
