package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/listenup-audio/backend/internal/domain"
	pkgerrors "github.com/listenup-audio/backend/internal/pkg/errors"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// fakeJobRepo is an in-memory JobRepo with the same revision guard the
// Postgres implementation enforces.
type fakeJobRepo struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*domain.Job
	conflictNext bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.Job{}}
}

func cloneJob(job *domain.Job) *domain.Job {
	raw, _ := json.Marshal(job)
	var out domain.Job
	_ = json.Unmarshal(raw, &out)
	out.Revision = job.Revision
	return &out
}

func (r *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *fakeJobRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID string) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (r *fakeJobRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.JobProcessing || job.Status == domain.JobRetrying {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

// failNextSave makes the next Save lose its revision race without applying.
func (r *fakeJobRepo) failNextSave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflictNext = true
}

func (r *fakeJobRepo) Save(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictNext {
		r.conflictNext = false
		return pkgerrors.ErrConflict
	}
	stored, ok := r.jobs[job.ID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	if stored.Revision != job.Revision {
		return pkgerrors.ErrConflict
	}
	job.Revision++
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *fakeJobRepo) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to domain.JobStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok {
		return false, pkgerrors.ErrNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = to
	return true, nil
}

// fakeBus is an in-memory Bus: FIFO queues plus counters with DECR
// semantics (a missing key decrements to -1, like the real store).
type fakeBus struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	counters map[string]int64
	pushErr  map[string]error
	pushed   int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		queues:   map[string][][]byte{},
		counters: map[string]int64{},
		pushErr:  map[string]error{},
	}
}

// failPushOn makes every Push to the queue fail until healPush.
func (b *fakeBus) failPushOn(queue string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushErr[queue] = err
}

func (b *fakeBus) healPush(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pushErr, queue)
}

func (b *fakeBus) Push(ctx context.Context, queue string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pushErr[queue]; err != nil {
		return err
	}
	b.queues[queue] = append(b.queues[queue], raw)
	b.pushed++
	return nil
}

func (b *fakeBus) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	b.queues[queue] = q[1:]
	return head, nil
}

func (b *fakeBus) SetCounter(ctx context.Context, key string, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key] = value
	return nil
}

func (b *fakeBus) DecrCounter(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key]--
	return b.counters[key], nil
}

func (b *fakeBus) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.counters[key]
	return v, ok, nil
}

func (b *fakeBus) DeleteCounter(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counters, key)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) queueLen(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *fakeBus) popMessage(t *testing.T, queue string) domain.StepReadyMessage {
	t.Helper()
	raw, err := b.Pop(context.Background(), queue, 0)
	if err != nil {
		t.Fatalf("pop %s: %v", queue, err)
	}
	if raw == nil {
		t.Fatalf("expected a message on %s", queue)
	}
	var msg domain.StepReadyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode message on %s: %v", queue, err)
	}
	return msg
}

// fakeIndex is an in-memory cache index honoring TTLs against a manual
// clock, so expiry is testable without sleeping.
type fakeCacheRecord struct {
	entry     domain.CacheEntry
	expiresAt time.Time
}

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]fakeCacheRecord
	now     time.Time
	puts    int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		entries: map[string]fakeCacheRecord{},
		now:     time.Now().UTC(),
	}
}

func (i *fakeIndex) advanceClock(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.now = i.now.Add(d)
}

func (i *fakeIndex) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.entries[key]
	if !ok {
		return nil, false, nil
	}
	if i.now.After(rec.expiresAt) {
		delete(i.entries, key)
		return nil, false, nil
	}
	out := rec.entry
	return &out, true, nil
}

func (i *fakeIndex) Put(ctx context.Context, key string, entry domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key] = fakeCacheRecord{entry: entry, expiresAt: i.now.Add(ttl)}
	i.puts++
	return nil
}

func (i *fakeIndex) Close() error { return nil }
