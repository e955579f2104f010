package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/models"
)

// DetectionRepository stores detection results and their lock details.
type DetectionRepository interface {
	SaveDetection(ctx context.Context, d *models.Detection) (int64, error)
	GetHistory(ctx context.Context, limit, offset int) ([]models.Detection, error)
	GetByID(ctx context.Context, id int64) (*models.Detection, error)
	GetLockDetails(ctx context.Context, detectionID int64) ([]models.LockDetailRecord, error)
	GetStatistics(ctx context.Context) (*models.Statistics, error)
	DeleteDetection(ctx context.Context, id int64) (bool, error)
	Ping(ctx context.Context) error
}

type detectionRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewDetectionRepository creates a repository over db.
func NewDetectionRepository(db *sqlx.DB, logger *zap.Logger) DetectionRepository {
	return &detectionRepository{db: db, logger: logger, now: time.Now}
}

const detectionColumns = `id, image_url, image_hash, detection_time, locks_detected, unlocked_locks,
	lock_positions, confidence_score, dingtalk_message_id, user_id, group_id, is_safe, created_at`

// SaveDetection inserts d, or replaces the stored values of the record with
// the same image_hash while keeping its id and created_at. The lock detail rows
// are rewritten from d.LockPositions in the same transaction, so they always
// belong to the values last written.
func (r *detectionRepository) SaveDetection(ctx context.Context, d *models.Detection) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.DetectionTime = d.DetectionTime.UTC()
	if d.LockPositions == nil {
		d.LockPositions = models.LockDetailList{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO detection_results (
			image_url, image_hash, detection_time, locks_detected, unlocked_locks,
			lock_positions, confidence_score, dingtalk_message_id, user_id, group_id,
			is_safe, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (image_hash) DO UPDATE SET
			image_url = excluded.image_url,
			detection_time = excluded.detection_time,
			locks_detected = excluded.locks_detected,
			unlocked_locks = excluded.unlocked_locks,
			lock_positions = excluded.lock_positions,
			confidence_score = excluded.confidence_score,
			dingtalk_message_id = excluded.dingtalk_message_id,
			user_id = excluded.user_id,
			group_id = excluded.group_id,
			is_safe = excluded.is_safe
		RETURNING id`)

	var id int64
	err = tx.QueryRowxContext(ctx, query,
		d.ImageURL,
		d.ImageHash,
		d.DetectionTime,
		d.LocksDetected,
		d.UnlockedLocks,
		d.LockPositions,
		d.ConfidenceScore,
		d.DingTalkMessageID,
		d.UserID,
		d.GroupID,
		d.IsSafe,
		d.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert detection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM lock_details WHERE detection_id = ?`), id); err != nil {
		return 0, fmt.Errorf("failed to clear previous lock details: %w", err)
	}
	if err := insertLockDetails(ctx, tx, id, d.LockPositions); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit detection: %w", err)
	}

	d.ID = id
	r.logger.Debug("Detection saved", zap.Int64("detection_id", id), zap.String("image_hash", d.ImageHash))
	return id, nil
}

func insertLockDetails(ctx context.Context, tx *sqlx.Tx, detectionID int64, details []models.LockDetail) error {
	query := tx.Rebind(`
		INSERT INTO lock_details (
			detection_id, lock_type, is_locked, confidence, position_x, position_y, width, height
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	for _, d := range details {
		if _, err := tx.ExecContext(ctx, query,
			detectionID, d.LockType, d.IsLocked, d.Confidence, d.PositionX, d.PositionY, d.Width, d.Height,
		); err != nil {
			return fmt.Errorf("failed to insert lock detail: %w", err)
		}
	}
	return nil
}

func (r *detectionRepository) GetHistory(ctx context.Context, limit, offset int) ([]models.Detection, error) {
	query := r.db.Rebind(`SELECT ` + detectionColumns + `
		FROM detection_results
		ORDER BY detection_time DESC, id DESC
		LIMIT ? OFFSET ?`)

	detections := []models.Detection{}
	if err := r.db.SelectContext(ctx, &detections, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to get detection history: %w", err)
	}
	return detections, nil
}

// GetByID returns nil, nil when no record has the id.
func (r *detectionRepository) GetByID(ctx context.Context, id int64) (*models.Detection, error) {
	var d models.Detection
	query := r.db.Rebind(`SELECT ` + detectionColumns + ` FROM detection_results WHERE id = ?`)
	if err := r.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return &d, nil
}

func (r *detectionRepository) GetLockDetails(ctx context.Context, detectionID int64) ([]models.LockDetailRecord, error) {
	query := r.db.Rebind(`
		SELECT id, detection_id, lock_type, is_locked, confidence, position_x, position_y, width, height
		FROM lock_details
		WHERE detection_id = ?
		ORDER BY id`)

	details := []models.LockDetailRecord{}
	if err := r.db.SelectContext(ctx, &details, query, detectionID); err != nil {
		return nil, fmt.Errorf("failed to get lock details: %w", err)
	}
	return details, nil
}

// GetStatistics aggregates over every stored detection. Today is the
// current UTC calendar day.
func (r *detectionRepository) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	now := r.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := r.db.Rebind(`
		SELECT
			COUNT(*) AS total_detections,
			COALESCE(SUM(CASE WHEN is_safe THEN 0 ELSE 1 END), 0) AS unsafe_detections,
			COALESCE(SUM(locks_detected), 0) AS total_locks,
			COALESCE(SUM(unlocked_locks), 0) AS total_unlocked,
			COALESCE(SUM(CASE WHEN detection_time >= ? AND detection_time < ? THEN 1 ELSE 0 END), 0) AS today_detections
		FROM detection_results`)

	var stats models.Statistics
	if err := r.db.GetContext(ctx, &stats, query, dayStart, dayEnd); err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	stats.ComputeSafetyRate()
	return &stats, nil
}

// DeleteDetection removes a record and its details. It reports whether the
// record existed.
func (r *detectionRepository) DeleteDetection(ctx context.Context, id int64) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM lock_details WHERE detection_id = ?`), id); err != nil {
		return false, fmt.Errorf("failed to delete lock details: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM detection_results WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete detection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return n > 0, nil
}

func (r *detectionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
