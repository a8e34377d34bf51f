package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
)

// Terminal journal event types written by JobService inside the same
// transaction as the status flip, so the journal always ends with
// exactly one terminal event.
const (
	eventCompleted = "completed"
	eventError     = "error"
	eventCanceled  = "canceled"
	eventAbandoned = "abandoned"
	eventSubmitted = "submitted"
)

const jobColumns = `id, type, params, status, attempts, idempotency_key,
	idempotency_expires_at, lease_expires_at, heartbeat_at, result,
	error_message, notify_url, created_at, updated_at, finished_at`

// JobService manages the durable job queue: enqueue with idempotency
// branching, claim/heartbeat/finish, cancellation, and lease reclaim.
type JobService struct {
	db  *database.Client
	cfg *config.IdempotencyConfig
}

// NewJobService creates a new JobService.
func NewJobService(db *database.Client, cfg *config.IdempotencyConfig) *JobService {
	return &JobService{db: db, cfg: cfg}
}

// EnqueueInput describes a job submission.
type EnqueueInput struct {
	Type           string
	Params         json.RawMessage
	IdempotencyKey *string
	NotifyURL      *string
	ForceNew       bool
}

// EnqueueOutcome is the result of a submission, including idempotent
// replays of existing jobs.
type EnqueueOutcome struct {
	Job *models.Job

	// ExistingJob is true when a queued/running job with the same key
	// was returned instead of creating a new row.
	ExistingJob bool

	// Cached is true when a succeeded job's result was replayed.
	Cached bool

	// ReplayedFailure is true when a failed job past the retry policy
	// was returned as-is, surfacing the original failure.
	ReplayedFailure bool

	// RetryOf holds the prior job id when a failed/canceled idempotent
	// job was retried with a new row.
	RetryOf string
}

// NewJobID generates a globally unique, monotonically sortable job id.
func NewJobID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// Enqueue inserts a job, applying the idempotency branch table when a
// key is present: queued/running → return the existing job; succeeded →
// replay the cached result; failed → retry within policy, otherwise
// return the failure; canceled → always retry. force_new bypasses the
// lookup and creates a keyless job.
func (s *JobService) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueOutcome, error) {
	if in.Type == "" {
		in.Type = "research"
	}

	key := in.IdempotencyKey
	if !s.cfg.Enabled || in.ForceNew {
		// A key can only map to one live job; a forced job carries none.
		key = nil
	}

	if key != nil {
		// Expired terminal keys are cleared before lookup so a stale key
		// never shadows a fresh submission.
		if _, err := s.CleanupExpiredIdempotencyKeys(ctx); err != nil {
			return nil, err
		}

		existing, err := s.getByIdempotencyKey(ctx, *key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			outcome, retry, err := s.branchOnExisting(ctx, existing)
			if err != nil || !retry {
				return outcome, err
			}
			// Retry path: the old job releases the key, the new row
			// takes it over, linked via RetryOf.
			return s.insertRetry(ctx, in, existing, *key)
		}
	}

	job, err := s.insert(ctx, in, key, "")
	if err != nil {
		// A concurrent duplicate may win the unique index race; the
		// losing insert re-reads the surviving row and returns it.
		if key != nil && isUniqueViolation(err) {
			existing, readErr := s.getByIdempotencyKey(ctx, *key)
			if readErr != nil {
				return nil, fmt.Errorf("re-reading winner after key collision: %w", readErr)
			}
			return &EnqueueOutcome{Job: existing, ExistingJob: true}, nil
		}
		return nil, err
	}
	return &EnqueueOutcome{Job: job}, nil
}

// branchOnExisting maps an existing idempotent job to an outcome, or
// reports that a retry row should be created.
func (s *JobService) branchOnExisting(ctx context.Context, existing *models.Job) (*EnqueueOutcome, bool, error) {
	switch existing.Status {
	case models.JobStatusQueued, models.JobStatusRunning:
		return &EnqueueOutcome{Job: existing, ExistingJob: true}, false, nil

	case models.JobStatusSucceeded:
		return &EnqueueOutcome{Job: existing, Cached: true}, false, nil

	case models.JobStatusFailed:
		if s.retryPermitted(existing) {
			return nil, true, nil
		}
		return &EnqueueOutcome{Job: existing, ReplayedFailure: true}, false, nil

	case models.JobStatusCanceled:
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("unexpected job status %q for job %s", existing.Status, existing.ID)
}

// retryPermitted checks the failure-retry policy: within the retry
// window and under the attempt bound.
func (s *JobService) retryPermitted(job *models.Job) bool {
	if !s.cfg.RetryOnFailure {
		return false
	}
	if job.FinishedAt == nil || time.Since(*job.FinishedAt) >= s.cfg.RetryWindow {
		return false
	}
	return job.Attempts < s.cfg.MaxRetries
}

// insertRetry moves the idempotency key from a finished job onto a new
// row atomically, recording the linkage.
func (s *JobService) insertRetry(ctx context.Context, in EnqueueInput, old *models.Job, key string) (*EnqueueOutcome, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET idempotency_key = NULL, idempotency_expires_at = NULL, updated_at = now() WHERE id = $1`,
		old.ID,
	); err != nil {
		return nil, fmt.Errorf("releasing idempotency key from %s: %w", old.ID, err)
	}

	job, err := s.insertInTx(ctx, tx, in, &key, old.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry transaction: %w", err)
	}
	return &EnqueueOutcome{Job: job, RetryOf: old.ID}, nil
}

func (s *JobService) insert(ctx context.Context, in EnqueueInput, key *string, retryOf string) (*models.Job, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := s.insertInTx(ctx, tx, in, key, retryOf)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue transaction: %w", err)
	}
	return job, nil
}

// insertInTx inserts the job row and its submitted event in one
// transaction.
func (s *JobService) insertInTx(ctx context.Context, tx pgx.Tx, in EnqueueInput, key *string, retryOf string) (*models.Job, error) {
	id := NewJobID()

	params := in.Params
	if retryOf != "" {
		// Record the linkage inside the params blob so post-hoc
		// inspection can walk the retry chain.
		var m map[string]any
		if err := json.Unmarshal(params, &m); err != nil || m == nil {
			m = map[string]any{}
		}
		m["_retry_of"] = retryOf
		linked, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("linking retry params: %w", err)
		}
		params = linked
	}

	var keyExpires *time.Time
	if key != nil {
		t := time.Now().Add(s.cfg.TTL)
		keyExpires = &t
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, type, params, status, idempotency_key, idempotency_expires_at, notify_url)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6)
		RETURNING `+jobColumns,
		id, in.Type, params, key, keyExpires, in.NotifyURL,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{"job_id": id, "type": in.Type})
	if _, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3)`,
		id, eventSubmitted, payload,
	); err != nil {
		return nil, fmt.Errorf("appending submitted event: %w", err)
	}

	return job, nil
}

// Claim atomically claims the oldest queued job: status running, fresh
// lease, heartbeat stamped, attempt incremented. SKIP LOCKED lets
// workers contend harmlessly.
func (s *JobService) Claim(ctx context.Context, leaseDuration time.Duration) (*models.Job, error) {
	now := time.Now()
	row := s.db.Pool().QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'running',
		    lease_expires_at = $1,
		    heartbeat_at = $2,
		    attempts = attempts + 1,
		    updated_at = $2
		FROM next
		WHERE j.id = next.id
		RETURNING `+qualifiedJobColumns("j"),
		now.Add(leaseDuration), now,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// Heartbeat re-stamps the lease and extends the idempotency expiry so a
// long-running job never loses its key mid-flight. A missing or
// non-running job updates nothing and returns no error.
func (s *JobService) Heartbeat(ctx context.Context, jobID string, leaseDuration time.Duration) error {
	now := time.Now()
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET heartbeat_at = $2,
		    lease_expires_at = $3,
		    idempotency_expires_at = GREATEST(idempotency_expires_at, $4),
		    updated_at = $2
		WHERE id = $1 AND status = 'running'`,
		jobID, now, now.Add(leaseDuration), now.Add(s.cfg.TTL),
	)
	if err != nil {
		return fmt.Errorf("heartbeat for job %s: %w", jobID, err)
	}
	return nil
}

// Finish transitions a running job to succeeded or failed, storing the
// result and appending the terminal journal event in the same
// transaction.
func (s *JobService) Finish(ctx context.Context, jobID string, status models.JobStatus, result json.RawMessage, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error_message = $4,
		    lease_expires_at = NULL, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')`,
		jobID, status, result, errPtr,
	)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal (e.g. cancelled out from under the worker);
		// the terminal event was written by whoever got there first.
		return nil
	}

	eventType := eventCompleted
	payload := result
	if status == models.JobStatusFailed {
		eventType = eventError
		payload, _ = json.Marshal(map[string]any{"message": errMsg})
	} else if status == models.JobStatusCanceled {
		eventType = eventCanceled
		payload = nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3)`,
		jobID, eventType, payload,
	); err != nil {
		return fmt.Errorf("appending terminal event for %s: %w", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finish transaction: %w", err)
	}
	return nil
}

// Cancel transitions a queued or running job to canceled and appends
// the canceled event atomically. Terminal jobs return ErrNotCancellable.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'canceled', lease_expires_at = NULL,
		    finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns,
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish missing from not-cancellable for the caller.
			if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, ErrNotCancellable
		}
		return nil, fmt.Errorf("cancelling job %s: %w", jobID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, NULL)`,
		jobID, eventCanceled,
	); err != nil {
		return nil, fmt.Errorf("appending canceled event for %s: %w", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel transaction: %w", err)
	}
	return job, nil
}

// Get retrieves a job by id.
func (s *JobService) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return job, nil
}

// ReclaimExpiredLeases demotes running jobs with expired leases back to
// queued with an abandoned event, or fails them once the attempt bound
// is reached. Idempotent; safe to run from every replica.
func (s *JobService) ReclaimExpiredLeases(ctx context.Context, maxRetries int) (int, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, attempts FROM jobs
		WHERE status = 'running' AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("scanning expired leases: %w", err)
	}

	type expired struct {
		id       string
		attempts int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expired lease row: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating expired leases: %w", err)
	}

	for _, e := range found {
		abandonedPayload, _ := json.Marshal(map[string]any{"attempt": e.attempts})
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3)`,
			e.id, eventAbandoned, abandonedPayload,
		); err != nil {
			return 0, fmt.Errorf("appending abandoned event for %s: %w", e.id, err)
		}

		if e.attempts >= maxRetries {
			errPayload, _ := json.Marshal(map[string]any{"message": "max_attempts_exceeded"})
			if _, err := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'failed', error_message = 'max_attempts_exceeded',
				    lease_expires_at = NULL, finished_at = now(), updated_at = now()
				WHERE id = $1`,
				e.id,
			); err != nil {
				return 0, fmt.Errorf("failing exhausted job %s: %w", e.id, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3)`,
				e.id, eventError, errPayload,
			); err != nil {
				return 0, fmt.Errorf("appending error event for %s: %w", e.id, err)
			}
			continue
		}

		// Attempt counter is preserved; it bounds future retries.
		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'queued', lease_expires_at = NULL,
			    heartbeat_at = NULL, updated_at = now()
			WHERE id = $1`,
			e.id,
		); err != nil {
			return 0, fmt.Errorf("re-queueing job %s: %w", e.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reclaim transaction: %w", err)
	}
	return len(found), nil
}

// CleanupExpiredIdempotencyKeys clears expired keys from terminal jobs.
func (s *JobService) CleanupExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET idempotency_key = NULL, idempotency_expires_at = NULL, updated_at = now()
		WHERE idempotency_key IS NOT NULL
		  AND idempotency_expires_at < now()
		  AND status IN ('succeeded', 'failed', 'canceled')`)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListRecent returns the newest jobs, optionally filtered by status.
func (s *JobService) ListRecent(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// QueueDepth counts queued jobs.
func (s *JobService) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued jobs: %w", err)
	}
	return n, nil
}

// CountByStatus returns job counts grouped by status.
func (s *JobService) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *JobService) getByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Params, &j.Status, &j.Attempts, &j.IdempotencyKey,
		&j.IdempotencyExpiresAt, &j.LeaseExpiresAt, &j.HeartbeatAt, &j.Result,
		&j.ErrorMessage, &j.NotifyURL, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// qualifiedJobColumns prefixes the column list for joined queries.
func qualifiedJobColumns(alias string) string {
	return alias + ".id, " + alias + ".type, " + alias + ".params, " +
		alias + ".status, " + alias + ".attempts, " + alias + ".idempotency_key, " +
		alias + ".idempotency_expires_at, " + alias + ".lease_expires_at, " +
		alias + ".heartbeat_at, " + alias + ".result, " + alias + ".error_message, " +
		alias + ".notify_url, " + alias + ".created_at, " + alias + ".updated_at, " +
		alias + ".finished_at"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
