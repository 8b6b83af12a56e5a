package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, vendor_id, state, trigger_kind, attempt, lease_owner, lease_expires_at, not_before,
	pages_discovered, pages_fetched, pages_failed, pages_skipped, documents_created, documents_unchanged,
	error, created_at, started_at, finished_at`

// CreateJob queues a crawl job for the vendor unless one is already queued or
// running, in which case the existing job is returned with created=false.
// notBefore delays eligibility, for retries with backoff.
func (s *Store) CreateJob(ctx context.Context, vendorID string, trigger Trigger, attempt int, notBefore *time.Time) (job *CrawlJob, created bool, err error) {
	if attempt < 1 {
		attempt = 1
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanJob(tx.QueryRowContext(ctx, "SELECT "+jobColumns+`
			FROM crawl_jobs WHERE vendor_id = ? AND state IN ('queued', 'running')
			ORDER BY created_at LIMIT 1`, vendorID))
		if err == nil {
			job = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.timestamp()
		j := &CrawlJob{
			ID:        uuid.New().String(),
			VendorID:  vendorID,
			State:     JobQueued,
			Trigger:   trigger,
			Attempt:   attempt,
			NotBefore: notBefore,
			CreatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO crawl_jobs (id, vendor_id, state, trigger_kind, attempt, not_before, created_at)
			VALUES (?, ?, 'queued', ?, ?, ?, ?)
		`, j.ID, j.VendorID, string(j.Trigger), j.Attempt, formatNullableTime(notBefore), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting crawl job: %w", err)
		}
		job, created = j, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// GetJob returns a crawl job.
func (s *Store) GetJob(ctx context.Context, id string) (*CrawlJob, error) {
	return scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM crawl_jobs WHERE id = ?", id))
}

// AcquireLease moves a queued job to running under owner's lease. It is a
// compare-and-set: the update only applies while no other job of the same
// vendor is running, so at most one caller ever gets true. Running jobs of the
// vendor whose lease already expired are failed first so a crashed worker
// cannot block the vendor forever.
func (s *Store) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := s.timestamp()
	acquired := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var vendorID string
		err := tx.QueryRowContext(ctx, "SELECT vendor_id FROM crawl_jobs WHERE id = ?", jobID).Scan(&vendorID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE crawl_jobs SET state = 'failed', error = 'lease expired', finished_at = ?
			WHERE vendor_id = ? AND state = 'running' AND lease_expires_at <= ?
		`, formatTime(now), vendorID, formatTime(now)); err != nil {
			return fmt.Errorf("expiring stale lease: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE crawl_jobs SET state = 'running', lease_owner = ?, lease_expires_at = ?, started_at = ?
			WHERE id = ? AND state = 'queued'
			  AND (not_before IS NULL OR not_before <= ?)
			  AND NOT EXISTS (
				SELECT 1 FROM crawl_jobs WHERE vendor_id = ? AND state = 'running'
			  )
		`, owner, formatTime(now.Add(ttl)), formatTime(now), jobID, formatTime(now), vendorID)
		if err != nil {
			return fmt.Errorf("acquiring lease: %w", err)
		}
		n, _ := res.RowsAffected()
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// RenewLease extends a running job's lease. ErrLeaseLost means another
// worker took the vendor over or the job already finished.
func (s *Store) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ? AND state = 'running'
	`, formatTime(s.timestamp().Add(ttl)), jobID, owner)
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinishJob records a terminal state and releases the lease.
func (s *Store) FinishJob(ctx context.Context, jobID, owner string, state JobState, counters JobCounters, errMsg string) error {
	if state != JobSucceeded && state != JobFailed {
		return fmt.Errorf("finish job: non-terminal state %q", state)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET state = ?, lease_owner = '', lease_expires_at = NULL, finished_at = ?, error = ?,
			pages_discovered = ?, pages_fetched = ?, pages_failed = ?, pages_skipped = ?,
			documents_created = ?, documents_unchanged = ?
		WHERE id = ? AND lease_owner = ? AND state = 'running'
	`, string(state), formatTime(s.timestamp()), errMsg,
		counters.PagesDiscovered, counters.PagesFetched, counters.PagesFailed, counters.PagesSkipped,
		counters.DocumentsCreated, counters.DocumentsUnchanged, jobID, owner)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExpiredLeases returns running jobs whose lease ran out, i.e. whose worker stopped heartbeating.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]CrawlJob, error) {
	return s.queryJobs(ctx, "SELECT "+jobColumns+`
		FROM crawl_jobs WHERE state = 'running' AND lease_expires_at <= ?
		ORDER BY lease_expires_at`, formatTime(now))
}

// RecoverExpiredJob settles a running job whose lease ran out. Below
// maxAttempts the job returns to the queue with its attempt counter bumped;
// at maxAttempts it fails. The returned state is empty when the job was
// renewed or finished meanwhile.
func (s *Store) RecoverExpiredJob(ctx context.Context, jobID string, now time.Time, maxAttempts int) (JobState, error) {
	var state JobState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crawl_jobs SET state = 'failed', lease_owner = '', lease_expires_at = NULL,
				finished_at = ?, error = 'lease expired'
			WHERE id = ? AND state = 'running' AND lease_expires_at <= ? AND attempt >= ?
		`, formatTime(now), jobID, formatTime(now), maxAttempts)
		if err != nil {
			return fmt.Errorf("failing expired job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			state = JobFailed
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE crawl_jobs SET state = 'queued', lease_owner = '', lease_expires_at = NULL,
				attempt = attempt + 1, error = 'lease expired', not_before = NULL
			WHERE id = ? AND state = 'running' AND lease_expires_at <= ?
		`, jobID, formatTime(now))
		if err != nil {
			return fmt.Errorf("requeueing job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			state = JobQueued
		}
		return nil
	})
	return state, err
}

// DueJobs returns queued jobs eligible to start at now, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]CrawlJob, error) {
	return s.queryJobs(ctx, "SELECT "+jobColumns+`
		FROM crawl_jobs WHERE state = 'queued' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at LIMIT ?`, formatTime(now), limit)
}

// ActiveJob returns the vendor's queued or running job, or ErrNotFound.
func (s *Store) ActiveJob(ctx context.Context, vendorID string) (*CrawlJob, error) {
	return scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+`
		FROM crawl_jobs WHERE vendor_id = ? AND state IN ('queued', 'running')
		ORDER BY created_at LIMIT 1`, vendorID))
}

// ListJobs returns a vendor's most recent jobs.
func (s *Store) ListJobs(ctx context.Context, vendorID string, limit int) ([]CrawlJob, error) {
	return s.queryJobs(ctx, "SELECT "+jobColumns+`
		FROM crawl_jobs WHERE vendor_id = ? ORDER BY created_at DESC LIMIT ?`, vendorID, limit)
}

// CountRunning returns the number of running jobs across vendors.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM crawl_jobs WHERE state = 'running'").Scan(&n)
	return n, err
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]CrawlJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []CrawlJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*CrawlJob, error) {
	var (
		j                       CrawlJob
		state, trigger, created string
		leaseExp, notBefore     sql.NullString
		started, finished       sql.NullString
	)
	err := row.Scan(&j.ID, &j.VendorID, &state, &trigger, &j.Attempt, &j.LeaseOwner, &leaseExp, &notBefore,
		&j.PagesDiscovered, &j.PagesFetched, &j.PagesFailed, &j.PagesSkipped, &j.DocumentsCreated,
		&j.DocumentsUnchanged, &j.Error, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	j.State = JobState(state)
	j.Trigger = Trigger(trigger)
	j.LeaseExpiresAt = parseNullableTime(leaseExp)
	j.NotBefore = parseNullableTime(notBefore)
	j.CreatedAt = parseTime(created)
	j.StartedAt = parseNullableTime(started)
	j.FinishedAt = parseNullableTime(finished)
	return &j, nil
}
