package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/listenup-audio/backend/internal/domain"
	pkgerrors "github.com/listenup-audio/backend/internal/pkg/errors"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

// JobRecord is the persisted form of a job document. Steps and transitions
// live in jsonb columns; scalar fields are broken out for indexing.
type JobRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      string         `gorm:"column:user_id;index" json:"user_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Cursor      int            `gorm:"column:cursor;not null;default:0" json:"cursor"`
	Generation  int            `gorm:"column:generation;not null;default:0" json:"generation"`
	Revision    int64          `gorm:"column:revision;not null;default:0" json:"revision"`
	Steps       datatypes.JSON `gorm:"column:steps;type:jsonb" json:"steps"`
	Transitions datatypes.JSON `gorm:"column:step_transitions;type:jsonb" json:"step_transitions"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (JobRecord) TableName() string { return "job" }

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID string) ([]*domain.Job, error)
	// ListActive returns jobs that may still have in-flight steps, for the
	// timeout sweeper.
	ListActive(ctx context.Context, tx *gorm.DB) ([]*domain.Job, error)
	// Save persists the document guarded by its revision. A lost race
	// returns pkgerrors.ErrConflict; callers reload and reapply.
	Save(ctx context.Context, tx *gorm.DB, job *domain.Job) error
	// CompareAndSetStatus flips the overall status only if it currently
	// equals from. Returns false when the guard did not match.
	CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to domain.JobStatus) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := r.conn(tx).WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	job.Revision = rec.Revision
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	var rec JobRecord
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(&rec)
}

func (r *jobRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID string) ([]*domain.Job, error) {
	var recs []JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return r.decodeJobs(recs)
}

func (r *jobRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*domain.Job, error) {
	var recs []JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("status IN ?", []string{string(domain.JobProcessing), string(domain.JobRetrying)}).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return r.decodeJobs(recs)
}

func (r *jobRepo) Save(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	res := r.conn(tx).WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ? AND revision = ?", job.ID, job.Revision).
		Updates(map[string]any{
			"status":           rec.Status,
			"cursor":           rec.Cursor,
			"generation":       rec.Generation,
			"revision":         job.Revision + 1,
			"steps":            rec.Steps,
			"step_transitions": rec.Transitions,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrConflict
	}
	job.Revision++
	return nil
}

func (r *jobRepo) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to domain.JobStatus) (bool, error) {
	res := r.conn(tx).WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func encodeJob(job *domain.Job) (*JobRecord, error) {
	stepsRaw, err := json.Marshal(job.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	transRaw, err := json.Marshal(job.Transitions)
	if err != nil {
		return nil, fmt.Errorf("encode transitions: %w", err)
	}
	return &JobRecord{
		ID:          job.ID,
		UserID:      job.UserID,
		Status:      string(job.Status),
		Cursor:      job.Cursor,
		Generation:  job.Generation,
		Revision:    job.Revision,
		Steps:       datatypes.JSON(stepsRaw),
		Transitions: datatypes.JSON(transRaw),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

func decodeJob(rec *JobRecord) (*domain.Job, error) {
	job := &domain.Job{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Status:     domain.JobStatus(rec.Status),
		Cursor:     rec.Cursor,
		Generation: rec.Generation,
		Revision:   rec.Revision,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if len(rec.Steps) > 0 {
		if err := json.Unmarshal(rec.Steps, &job.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for job %s: %v: %w", rec.ID, err, pkgerrors.ErrCorrupt)
		}
	}
	if len(rec.Transitions) > 0 {
		if err := json.Unmarshal(rec.Transitions, &job.Transitions); err != nil {
			return nil, fmt.Errorf("decode transitions for job %s: %v: %w", rec.ID, err, pkgerrors.ErrCorrupt)
		}
	}
	return job, nil
}

// decodeJobs skips corrupt records so one bad row cannot blind a listing.
func (r *jobRepo) decodeJobs(recs []JobRecord) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(recs))
	for i := range recs {
		job, err := decodeJob(&recs[i])
		if errors.Is(err, pkgerrors.ErrCorrupt) {
			r.log.Warn("skipping corrupt job record", "job_id", recs[i].ID, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
