package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/motion"
)

type record struct {
	session string
	sample  imu.RawSample
	snap    *motion.Snapshot
}

// Recorder writes samples and snapshots in batches from a background
// goroutine. Record calls never block; when the writer falls behind the
// record is dropped and counted.
type Recorder struct {
	store     *Store
	batchSize int
	interval  time.Duration

	queue     chan record
	done      chan struct{}
	closeOnce sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder starts a recorder flushing every batchSize records or every
// interval, whichever comes first.
func NewRecorder(store *Store, batchSize int, interval time.Duration) (*Recorder, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if interval <= 0 {
		interval = time.Second
	}
	r := &Recorder{
		store:     store,
		batchSize: batchSize,
		interval:  interval,
		queue:     make(chan record, batchSize*8),
		done:      make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			monitoring.Logf("storage: recorder behind, %d records dropped", n)
		}
	}
}

// RecordSample queues one applied sample.
func (r *Recorder) RecordSample(sessionID string, s imu.RawSample) {
	r.enqueue(record{session: sessionID, sample: s})
}

// RecordSnapshot queues one emitted snapshot.
func (r *Recorder) RecordSnapshot(sessionID string, snap motion.Snapshot) {
	r.enqueue(record{session: sessionID, snap: &snap})
}

// Close flushes everything queued and stops the writer. Records passed
// after Close panic, so callers stop the session first.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
	})
}

// Stats returns written, dropped and failed record counts.
func (r *Recorder) Stats() (written, dropped, failed uint64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]record, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			monitoring.Logf("storage: write batch of %d: %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) write(batch []record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := r.store.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sampleStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (session_id, kind, t, x, y, z) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()

	snapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshots (session_id, t, qx, qy, qz, qw, gx, gy, gz, ax, ay, az, heading_accuracy, accuracy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer snapStmt.Close()

	for _, rec := range batch {
		if err := insert(ctx, sampleStmt, snapStmt, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insert(ctx context.Context, sampleStmt, snapStmt *sql.Stmt, rec record) error {
	if rec.snap == nil {
		v := rec.sample.Values
		_, err := sampleStmt.ExecContext(ctx, rec.session, int(rec.sample.Kind), rec.sample.Timestamp, v.X, v.Y, v.Z)
		return err
	}

	s := rec.snap
	args := []any{rec.session, s.Timestamp}
	for _, v := range s.Values() {
		args = append(args, v)
	}
	args = append(args, s.Accuracy.String())
	_, err := snapStmt.ExecContext(ctx, args...)
	return err
}
