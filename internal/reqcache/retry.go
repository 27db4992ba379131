package reqcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryQueue holds mutating requests that failed for lack of network until
// they can be replayed. Tasks are persisted in the backend and survive a
// restart.
type RetryQueue struct {
	backend  Backend
	fetcher  Fetcher
	notifier Notifier
	metrics  *metrics
	log      zerolog.Logger

	maxAttempts int
	dedupe      time.Duration
	// online gates a pass: tasks are not attempted while it reports false.
	online func() bool
	now    func() time.Time

	mu      sync.Mutex
	tasks   []RetryTask
	nextSeq uint64

	drainMu sync.Mutex
	running bool
	pending bool
}

type RetryOptions struct {
	MaxAttempts  int
	DedupeWindow time.Duration
	Online       func() bool
}

func NewRetryQueue(backend Backend, fetcher Fetcher, notifier Notifier, opts RetryOptions, logger zerolog.Logger) *RetryQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if notifier == nil {
		notifier = LogNotifier{Log: logger}
	}
	return &RetryQueue{
		backend:     backend,
		fetcher:     fetcher,
		notifier:    notifier,
		log:         logger,
		maxAttempts: opts.MaxAttempts,
		dedupe:      opts.DedupeWindow,
		online:      opts.Online,
		now:         time.Now,
		nextSeq:     1,
	}
}

// Load restores persisted tasks. Undecodable tasks are dropped.
func (q *RetryQueue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var bad []uint64
	err := q.backend.Tasks(func(seq uint64, b []byte) bool {
		var t RetryTask
		if err := decodeGob(b, &t); err != nil {
			q.log.Error().Err(err).Uint64("seq", seq).Msg("corrupt retry task, dropping")
			bad = append(bad, seq)
			return true
		}
		t.Seq = seq
		q.tasks = append(q.tasks, t)
		if seq >= q.nextSeq {
			q.nextSeq = seq + 1
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, seq := range bad {
		if err := q.backend.DeleteTask(seq); err != nil {
			q.log.Warn().Err(err).Uint64("seq", seq).Msg("delete corrupt retry task")
		}
	}
	return nil
}

func fingerprint(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", req.Method, req.URL)
	h.Write(req.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue records req after a failed first attempt. A request identical to
// one enqueued within the dedupe window returns the existing task instead.
// With a bound of one attempt nothing is queued and ErrRetryExhausted is
// returned.
func (q *RetryQueue) Enqueue(req Request) (RetryTask, error) {
	fp := fingerprint(req)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedupe > 0 {
		for _, t := range q.tasks {
			if t.Fingerprint == fp && now.Sub(time.Unix(0, t.EnqueuedAt)) < q.dedupe {
				q.metrics.retry(context.Background(), "coalesced")
				return t, nil
			}
		}
	}

	t := RetryTask{
		ID:          uuid.NewString(),
		Request:     Request{Method: req.Method, URL: req.URL, Header: cloneHeader(req.Header), Body: req.Body},
		Fingerprint: fp,
		EnqueuedAt:  now.UnixNano(),
		Attempts:    1,
	}
	if t.Attempts >= q.maxAttempts {
		q.exhaust(t, ErrRetryExhausted)
		return RetryTask{}, ErrRetryExhausted
	}

	t.Seq = q.nextSeq
	if err := q.persist(t); err != nil {
		return RetryTask{}, err
	}
	q.nextSeq++
	q.tasks = append(q.tasks, t)
	q.metrics.retry(context.Background(), "enqueued")
	q.log.Info().Str("task", t.ID).Str("method", req.Method).Str("url", req.URL).Msg("request queued for retry")
	return t, nil
}

func (q *RetryQueue) persist(t RetryTask) error {
	b, err := encodeGob(t)
	if err != nil {
		return err
	}
	return q.backend.PutTask(t.Seq, b)
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Tasks returns the queue in replay order.
func (q *RetryQueue) Tasks() []RetryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryTask(nil), q.tasks...)
}

// Drain replays every queued task once, in order. If a drain is already
// running the call returns at once and the running drain makes one more
// pass when it finishes, so no task is sent twice concurrently.
func (q *RetryQueue) Drain(ctx context.Context) {
	q.drainMu.Lock()
	if q.running {
		q.pending = true
		q.drainMu.Unlock()
		return
	}
	q.running = true
	q.drainMu.Unlock()

	for {
		q.pass(ctx)

		q.drainMu.Lock()
		if !q.pending || ctx.Err() != nil {
			q.running = false
			q.pending = false
			q.drainMu.Unlock()
			return
		}
		q.pending = false
		q.drainMu.Unlock()
	}
}

func (q *RetryQueue) pass(ctx context.Context) {
	for _, t := range q.Tasks() {
		if ctx.Err() != nil || !q.online() {
			return
		}
		_, err := q.fetcher.Fetch(ctx, t.Request)
		switch {
		case err == nil:
			q.remove(t)
			q.metrics.retry(ctx, "delivered")
			q.log.Info().Str("task", t.ID).Int("attempts", t.Attempts+1).Msg("queued request delivered")
		case ctx.Err() != nil:
			// shutdown, not a failed attempt
			return
		case !IsTransportError(err):
			q.mu.Lock()
			q.exhaust(t, err)
			q.dropLocked(t.Seq)
			q.mu.Unlock()
		default:
			q.failed(t, err)
		}
	}
}

func (q *RetryQueue) remove(t RetryTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropLocked(t.Seq)
}

func (q *RetryQueue) dropLocked(seq uint64) {
	for i := range q.tasks {
		if q.tasks[i].Seq == seq {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	if err := q.backend.DeleteTask(seq); err != nil {
		q.log.Warn().Err(err).Uint64("seq", seq).Msg("delete retry task")
	}
}

// failed counts an attempt and moves the task to the tail, or discards it
// once it has used up its attempts.
func (q *RetryQueue) failed(t RetryTask, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.Attempts++
	if t.Attempts >= q.maxAttempts {
		q.dropLocked(t.Seq)
		q.exhaust(t, fmt.Errorf("%w: %w", ErrRetryExhausted, cause))
		return
	}

	old := t.Seq
	t.Seq = q.nextSeq
	if err := q.persist(t); err != nil {
		// keep counting in memory so the bound still holds
		q.log.Error().Err(err).Str("task", t.ID).Msg("persist retry task")
		t.Seq = old
		q.replaceLocked(t)
		return
	}
	q.nextSeq++
	q.dropLocked(old)
	q.tasks = append(q.tasks, t)
	q.metrics.retry(context.Background(), "retried")
	q.log.Debug().Err(cause).Str("task", t.ID).Int("attempts", t.Attempts).Msg("queued request failed again")
}

func (q *RetryQueue) replaceLocked(t RetryTask) {
	for i := range q.tasks {
		if q.tasks[i].Seq == t.Seq {
			q.tasks[i] = t
			return
		}
	}
}

func (q *RetryQueue) exhaust(t RetryTask, err error) {
	q.metrics.retry(context.Background(), "exhausted")
	q.notifier.RetryExhausted(t, err)
}
