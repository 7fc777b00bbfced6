package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isnlan/crosscopy/models"
)

// UpsertTrustRecord inserts or refreshes a trust row. The original created_at
// is kept on refresh.
func (s *Store) UpsertTrustRecord(record models.TrustRecord) error {
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.Device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if err := models.ValidateTrustLevel(record.Level); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.LastSeen.IsZero() {
		record.LastSeen = record.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO trust_records (
			peer_id,
			device_id,
			device_name,
			platform,
			trust_level,
			created_at,
			last_seen,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			device_id = excluded.device_id,
			device_name = excluded.device_name,
			platform = excluded.platform,
			trust_level = excluded.trust_level,
			last_seen = excluded.last_seen,
			expires_at = excluded.expires_at`,
		record.PeerID,
		record.Device.DeviceID,
		record.Device.DeviceName,
		record.Device.Platform,
		string(record.Level),
		record.CreatedAt.UnixMilli(),
		record.LastSeen.UnixMilli(),
		nullMilli(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert trust record %q: %w", record.PeerID, err)
	}

	return nil
}

// GetTrustRecord fetches one trust row by peer ID.
func (s *Store) GetTrustRecord(peerID string) (*models.TrustRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			device_id,
			device_name,
			platform,
			trust_level,
			created_at,
			last_seen,
			expires_at
		FROM trust_records
		WHERE peer_id = ?`,
		peerID,
	)

	record, err := scanTrustRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trust record %q: %w", peerID, err)
	}

	return record, nil
}

// ListTrustRecords returns all trust rows sorted by device name.
func (s *Store) ListTrustRecords() ([]models.TrustRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			device_id,
			device_name,
			platform,
			trust_level,
			created_at,
			last_seen,
			expires_at
		FROM trust_records
		ORDER BY device_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	defer rows.Close()

	records := make([]models.TrustRecord, 0)
	for rows.Next() {
		record, err := scanTrustRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust record row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust record rows: %w", err)
	}

	return records, nil
}

// TouchTrustRecord updates the last seen timestamp for one peer.
func (s *Store) TouchTrustRecord(peerID string, lastSeen time.Time) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE trust_records
		SET last_seen = ?
		WHERE peer_id = ?`,
		lastSeen.UnixMilli(),
		peerID,
	)
	if err != nil {
		return fmt.Errorf("touch trust record %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch trust record %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveTrustRecord deletes a trust row by peer ID.
func (s *Store) RemoveTrustRecord(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM trust_records WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove trust record %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove trust record %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteExpiredTrustRecords removes rows whose expiry passed before now.
func (s *Store) DeleteExpiredTrustRecords(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM trust_records
		WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired trust records: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for expired trust records: %w", err)
	}

	return rowsAffected, nil
}

func scanTrustRecord(row scanner) (*models.TrustRecord, error) {
	var (
		record    models.TrustRecord
		level     string
		createdAt int64
		lastSeen  int64
		expiresAt sql.NullInt64
	)

	if err := row.Scan(
		&record.PeerID,
		&record.Device.DeviceID,
		&record.Device.DeviceName,
		&record.Device.Platform,
		&level,
		&createdAt,
		&lastSeen,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	record.Level = models.TrustLevel(level)
	record.CreatedAt = time.UnixMilli(createdAt)
	record.LastSeen = time.UnixMilli(lastSeen)
	record.ExpiresAt = timeFromNullMilli(expiresAt)

	return &record, nil
}

type scanner interface {
	Scan(dest ...any) error
}
