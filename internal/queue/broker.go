// Package queue is the durable delivery queue. Jobs live in redis as hashes
// and move between sorted sets, one per state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"EventPost/internal/models"
)

var (
	ErrUnavailable = errors.New("queue unavailable")
	ErrJobNotFound = errors.New("job not found")
)

// rankWidth separates priority classes in the waiting score. It is larger
// than any millisecond timestamp, so rank dominates and creation time breaks
// ties.
const rankWidth = 1e13

const (
	fieldPayload     = "payload"
	fieldState       = "state"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldTimeout     = "timeout_ms"
	fieldScore       = "score"
	fieldCreated     = "created_ms"
	fieldProcessed   = "processed_ms"
	fieldFinished    = "finished_ms"
	fieldReason      = "failed_reason"
	fieldProviderID  = "provider_message_id"
)

// claimScript promotes due delayed jobs, pops the best waiting job and leases
// it. KEYS: waiting, delayed, active. ARGV: now ms, lease ms, job key prefix.
var claimScript = redis.NewScript(`
local due = redis.call("zrangebyscore", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
	redis.call("zrem", KEYS[2], id)
	local score = redis.call("hget", ARGV[3] .. id, "score")
	if score then
		redis.call("zadd", KEYS[1], score, id)
		redis.call("hset", ARGV[3] .. id, "state", "waiting")
	end
end
local popped = redis.call("zpopmin", KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("zadd", KEYS[3], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
redis.call("hset", ARGV[3] .. id, "state", "active", "processed_ms", ARGV[1])
return id
`)

// recoverScript returns expired leases to waiting.
// KEYS: active, waiting. ARGV: now ms, job key prefix.
var recoverScript = redis.NewScript(`
local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
local moved = 0
for _, id in ipairs(ids) do
	redis.call("zrem", KEYS[1], id)
	local score = redis.call("hget", ARGV[2] .. id, "score")
	if score then
		redis.call("zadd", KEYS[2], score, id)
		redis.call("hset", ARGV[2] .. id, "state", "waiting")
		moved = moved + 1
	end
end
return moved
`)

type Config struct {
	Prefix      string
	MaxAttempts int
	Timeout     time.Duration
	// LeaseGrace is added to the job timeout to get the lease a worker holds
	// before the job counts as stalled.
	LeaseGrace       time.Duration
	RemoveOnComplete bool
}

// Options override the broker defaults for one job.
type Options struct {
	Priority    models.Priority
	MaxAttempts int
	Timeout     time.Duration
}

type Broker struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func NewBroker(client *redis.Client, cfg Config) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = "eventpost:mail"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = 30 * time.Second
	}
	return &Broker{client: client, cfg: cfg, now: time.Now}
}

func (b *Broker) key(name string) string { return b.cfg.Prefix + ":" + name }
func (b *Broker) jobPrefix() string      { return b.cfg.Prefix + ":job:" }
func (b *Broker) jobKey(id string) string {
	return b.jobPrefix() + id
}

func (b *Broker) stateKey(s models.JobState) string { return b.key(string(s)) }

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Enqueue stores the job and makes it claimable. It returns as soon as redis
// has acknowledged the write.
func (b *Broker) Enqueue(ctx context.Context, req models.SendRequest, opts Options) (*models.Job, error) {
	if opts.Priority == "" {
		opts.Priority = req.Priority
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	req.Priority = opts.Priority
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = b.cfg.MaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = b.cfg.Timeout
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	now := b.now()
	job := &models.Job{
		ID:          models.NewID("job"),
		Request:     req,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		State:       models.JobWaiting,
		CreatedAt:   now,
	}
	score := float64(opts.Priority.Rank())*rankWidth + float64(now.UnixMilli())

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.jobKey(job.ID),
			fieldPayload, payload,
			fieldState, string(models.JobWaiting),
			fieldAttempts, 0,
			fieldMaxAttempts, job.MaxAttempts,
			fieldTimeout, job.Timeout.Milliseconds(),
			fieldScore, strconv.FormatFloat(score, 'f', 0, 64),
			fieldCreated, now.UnixMilli(),
		)
		p.ZAdd(ctx, b.stateKey(models.JobWaiting), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}

	return job, nil
}

// Claim leases the next job to the caller. It returns nil when nothing is
// ready.
func (b *Broker) Claim(ctx context.Context) (*models.Job, error) {
	now := b.now()
	lease := b.cfg.Timeout + b.cfg.LeaseGrace

	keys := []string{
		b.stateKey(models.JobWaiting),
		b.stateKey(models.JobDelayed),
		b.stateKey(models.JobActive),
	}
	id, err := claimScript.Run(ctx, b.client, keys, now.UnixMilli(), lease.Milliseconds(), b.jobPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %v", ErrUnavailable, err)
	}

	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Per-job timeouts longer than the default need a longer lease.
	if job.Timeout > b.cfg.Timeout {
		deadline := now.Add(job.Timeout + b.cfg.LeaseGrace)
		if err := b.client.ZAdd(ctx, b.stateKey(models.JobActive), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("%w: extend lease: %v", ErrUnavailable, err)
		}
	}

	return job, nil
}

func (b *Broker) Complete(ctx context.Context, job *models.Job, providerMessageID string) error {
	now := b.now()

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.stateKey(models.JobActive), job.ID)
		if b.cfg.RemoveOnComplete {
			p.Del(ctx, b.jobKey(job.ID))
			return nil
		}
		p.HSet(ctx, b.jobKey(job.ID),
			fieldState, string(models.JobCompleted),
			fieldAttempts, job.AttemptsMade,
			fieldFinished, now.UnixMilli(),
			fieldProviderID, providerMessageID,
		)
		p.ZAdd(ctx, b.stateKey(models.JobCompleted), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: complete %s: %v", ErrUnavailable, job.ID, err)
	}

	job.State = models.JobCompleted
	job.ProviderMessageID = providerMessageID
	job.FinishedAt = &now
	return nil
}

// Retry parks the job in delayed until delay has passed. The next Claim after
// that moves it back to waiting.
func (b *Broker) Retry(ctx context.Context, job *models.Job, reason string, delay time.Duration) error {
	readyAt := b.now().Add(delay)

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.stateKey(models.JobActive), job.ID)
		p.HSet(ctx, b.jobKey(job.ID),
			fieldState, string(models.JobDelayed),
			fieldAttempts, job.AttemptsMade,
			fieldReason, reason,
		)
		p.ZAdd(ctx, b.stateKey(models.JobDelayed), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: retry %s: %v", ErrUnavailable, job.ID, err)
	}

	job.State = models.JobDelayed
	job.FailedReason = reason
	return nil
}

func (b *Broker) Fail(ctx context.Context, job *models.Job, reason string) error {
	now := b.now()

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.stateKey(models.JobActive), job.ID)
		p.HSet(ctx, b.jobKey(job.ID),
			fieldState, string(models.JobFailed),
			fieldAttempts, job.AttemptsMade,
			fieldReason, reason,
			fieldFinished, now.UnixMilli(),
		)
		p.ZAdd(ctx, b.stateKey(models.JobFailed), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: fail %s: %v", ErrUnavailable, job.ID, err)
	}

	job.State = models.JobFailed
	job.FailedReason = reason
	job.FinishedAt = &now
	return nil
}

// Counts returns the number of jobs in every state.
func (b *Broker) Counts(ctx context.Context) (map[models.JobState]int64, error) {
	cmds := make(map[models.JobState]*redis.IntCmd, len(models.JobStates))
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, s := range models.JobStates {
			cmds[s] = p.ZCard(ctx, b.stateKey(s))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ErrUnavailable, err)
	}

	out := make(map[models.JobState]int64, len(cmds))
	for s, cmd := range cmds {
		out[s] = cmd.Val()
	}
	return out, nil
}

// List returns up to limit jobs in state. Finished states are listed newest
// first, the others in the order they will be processed.
func (b *Broker) List(ctx context.Context, state models.JobState, limit int64) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	var err error
	switch state {
	case models.JobCompleted, models.JobFailed:
		ids, err = b.client.ZRevRange(ctx, b.stateKey(state), 0, limit-1).Result()
	case models.JobWaiting, models.JobActive, models.JobDelayed:
		ids, err = b.client.ZRange(ctx, b.stateKey(state), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, state, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, state, err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(ids[i], fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Broker) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return decodeJob(id, fields)
}

// RecoverStalled returns jobs whose lease has expired to waiting and reports
// how many were moved.
func (b *Broker) RecoverStalled(ctx context.Context) (int64, error) {
	keys := []string{b.stateKey(models.JobActive), b.stateKey(models.JobWaiting)}
	n, err := recoverScript.Run(ctx, b.client, keys, b.now().UnixMilli(), b.jobPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: recover stalled: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Sweep deletes completed jobs finished before completedBefore and failed
// jobs finished before failedBefore.
func (b *Broker) Sweep(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	var removed int64
	for state, cutoff := range map[models.JobState]time.Time{
		models.JobCompleted: completedBefore,
		models.JobFailed:    failedBefore,
	} {
		n, err := b.sweepState(ctx, state, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (b *Broker) sweepState(ctx context.Context, state models.JobState, cutoff time.Time) (int64, error) {
	maxScore := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := b.client.ZRangeByScore(ctx, b.stateKey(state), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: sweep %s: %v", ErrUnavailable, state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		keys := make([]string, len(ids))
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			keys[i] = b.jobKey(id)
			members[i] = id
		}
		p.Del(ctx, keys...)
		p.ZRem(ctx, b.stateKey(state), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: sweep %s: %v", ErrUnavailable, state, err)
	}
	return int64(len(ids)), nil
}

func decodeJob(id string, f map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:                id,
		State:             models.JobState(f[fieldState]),
		FailedReason:      f[fieldReason],
		ProviderMessageID: f[fieldProviderID],
	}
	if err := json.Unmarshal([]byte(f[fieldPayload]), &job.Request); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	job.AttemptsMade, _ = strconv.Atoi(f[fieldAttempts])
	job.MaxAttempts, _ = strconv.Atoi(f[fieldMaxAttempts])
	if ms, err := strconv.ParseInt(f[fieldTimeout], 10, 64); err == nil {
		job.Timeout = time.Duration(ms) * time.Millisecond
	}
	if t := parseMillis(f[fieldCreated]); t != nil {
		job.CreatedAt = *t
	}
	job.ProcessedAt = parseMillis(f[fieldProcessed])
	job.FinishedAt = parseMillis(f[fieldFinished])

	return job, nil
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
