package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LockedLabel is the classifier label of a lock that is closed.
const LockedLabel = "locked"

// BoundingBox is a detected region in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LockDetail describes one classified lock inside a detection.
type LockDetail struct {
	LockType   string  `json:"lock_type"`
	IsLocked   bool    `json:"is_locked"`
	Confidence float64 `json:"confidence"`
	PositionX  int     `json:"position_x"`
	PositionY  int     `json:"position_y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Box returns the detail's region as a BoundingBox.
func (d LockDetail) Box() BoundingBox {
	return BoundingBox{X: d.PositionX, Y: d.PositionY, Width: d.Width, Height: d.Height}
}

// LockDetailList is stored as a JSON array in the lock_positions column.
type LockDetailList []LockDetail

// Value implements driver.Valuer.
func (l LockDetailList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *LockDetailList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = LockDetailList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported lock_positions type %T", src)
	}
	if len(raw) == 0 {
		*l = LockDetailList{}
		return nil
	}
	var details LockDetailList
	if err := json.Unmarshal(raw, &details); err != nil {
		return fmt.Errorf("failed to decode lock_positions: %w", err)
	}
	*l = details
	return nil
}

// DetectionOutcome is the aggregated classification result for one image.
// Build it with NewDetectionOutcome and AddLock so the counters stay consistent.
type DetectionOutcome struct {
	IsSafe          bool           `json:"is_safe"`
	TotalLocks      int            `json:"total_locks"`
	LockedLocks     int            `json:"locked_locks"`
	UnlockedLocks   int            `json:"unlocked_locks"`
	LockDetails     LockDetailList `json:"lock_details"`
	ConfidenceScore float64        `json:"confidence_score"`
	DetectionTime   time.Time      `json:"detection_time"`
}

// NewDetectionOutcome returns an empty, vacuously safe outcome.
func NewDetectionOutcome(at time.Time) *DetectionOutcome {
	return &DetectionOutcome{
		IsSafe:        true,
		LockDetails:   LockDetailList{},
		DetectionTime: at,
	}
}

// AddLock records one classified item. Any label other than LockedLabel
// counts as unlocked.
func (o *DetectionOutcome) AddLock(label string, confidence float64, box BoundingBox) {
	locked := label == LockedLabel
	o.LockDetails = append(o.LockDetails, LockDetail{
		LockType:   label,
		IsLocked:   locked,
		Confidence: confidence,
		PositionX:  box.X,
		PositionY:  box.Y,
		Width:      box.Width,
		Height:     box.Height,
	})
	o.TotalLocks++
	if locked {
		o.LockedLocks++
	} else {
		o.UnlockedLocks++
		o.IsSafe = false
	}
	if confidence > o.ConfidenceScore {
		o.ConfidenceScore = confidence
	}
}

// Unlocked returns the details of every item that is not locked, in order.
func (o *DetectionOutcome) Unlocked() []LockDetail {
	var out []LockDetail
	for _, d := range o.LockDetails {
		if !d.IsLocked {
			out = append(out, d)
		}
	}
	return out
}

// Detection is a row of the detection_results table.
type Detection struct {
	ID                int64          `db:"id" json:"id"`
	ImageURL          string         `db:"image_url" json:"image_url"`
	ImageHash         string         `db:"image_hash" json:"image_hash"`
	DetectionTime     time.Time      `db:"detection_time" json:"detection_time"`
	LocksDetected     int            `db:"locks_detected" json:"locks_detected"`
	UnlockedLocks     int            `db:"unlocked_locks" json:"unlocked_locks"`
	LockPositions     LockDetailList `db:"lock_positions" json:"lock_positions"`
	ConfidenceScore   float64        `db:"confidence_score" json:"confidence_score"`
	DingTalkMessageID string         `db:"dingtalk_message_id" json:"dingtalk_message_id"`
	UserID            string         `db:"user_id" json:"user_id"`
	GroupID           string         `db:"group_id" json:"group_id"`
	IsSafe            bool           `db:"is_safe" json:"is_safe"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// NewDetection builds the record persisted for an outcome.
func NewDetection(outcome *DetectionOutcome, imageHash string) *Detection {
	return &Detection{
		ImageHash:       imageHash,
		DetectionTime:   outcome.DetectionTime,
		LocksDetected:   outcome.TotalLocks,
		UnlockedLocks:   outcome.UnlockedLocks,
		LockPositions:   outcome.LockDetails,
		ConfidenceScore: outcome.ConfidenceScore,
		IsSafe:          outcome.IsSafe,
	}
}

// LockDetailRecord is a row of the lock_details table.
type LockDetailRecord struct {
	ID          int64   `db:"id" json:"id"`
	DetectionID int64   `db:"detection_id" json:"detection_id"`
	LockType    string  `db:"lock_type" json:"lock_type"`
	IsLocked    bool    `db:"is_locked" json:"is_locked"`
	Confidence  float64 `db:"confidence" json:"confidence"`
	PositionX   int     `db:"position_x" json:"position_x"`
	PositionY   int     `db:"position_y" json:"position_y"`
	Width       int     `db:"width" json:"width"`
	Height      int     `db:"height" json:"height"`
}

// Statistics is computed over all stored detections.
type Statistics struct {
	TotalDetections  int64   `db:"total_detections" json:"total_detections"`
	UnsafeDetections int64   `db:"unsafe_detections" json:"unsafe_detections"`
	TotalLocks       int64   `db:"total_locks" json:"total_locks"`
	TotalUnlocked    int64   `db:"total_unlocked" json:"total_unlocked"`
	TodayDetections  int64   `db:"today_detections" json:"today_detections"`
	SafetyRate       float64 `db:"-" json:"safety_rate"`
}

// ComputeSafetyRate fills SafetyRate; 100 when nothing has been detected yet.
func (s *Statistics) ComputeSafetyRate() {
	if s.TotalDetections == 0 {
		s.SafetyRate = 100
		return
	}
	s.SafetyRate = float64(s.TotalDetections-s.UnsafeDetections) / float64(s.TotalDetections) * 100
}
