package reqcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
)

type State int32

const (
	Initializing State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "initializing"
}

// Options carries collaborators. Zero values pick the defaults built from
// Config.
type Options struct {
	Fetcher       Fetcher
	Backend       Backend
	Notifier      Notifier
	Connectivity  *Connectivity
	MeterProvider metric.MeterProvider
	Logger        *zerolog.Logger

	// MaxBackgroundRefresh bounds concurrent refreshes started by cache hits.
	MaxBackgroundRefresh int64
	RefreshTimeout       time.Duration
}

// Manager is the single entry point for requests. Reads wait until the
// generation sweep finished; mutating requests go straight to the network
// and fall back to the retry queue.
type Manager struct {
	cfg Config
	log zerolog.Logger

	store       *PartitionStore
	classifier  *Classifier
	table       *StrategyTable
	dispatcher  *Dispatcher
	fetcher     Fetcher
	generations *GenerationManager
	janitor     *Janitor
	retry       *RetryQueue
	conn        *Connectivity
	notifier    Notifier
	metrics     *metrics
	bg          *background

	state   atomic.Int32
	started atomic.Bool
	ready   chan struct{}
	closing chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

func New(cfg Config, opts Options) (*Manager, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "reqcache").Logger()

	if opts.MaxBackgroundRefresh <= 0 {
		opts.MaxBackgroundRefresh = 32
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(30 * time.Second)
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: logger}
	}
	if opts.Connectivity == nil {
		opts.Connectivity = NewConnectivity(true)
	}

	table, err := NewStrategyTable(cfg)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = OpenBackend(cfg); err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
		}
	}
	store := NewPartitionStore(backend, cfg.ramMax, logger)

	conn := opts.Connectivity
	retry := NewRetryQueue(backend, opts.Fetcher, opts.Notifier, RetryOptions{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		DedupeWindow: cfg.Retry.dedupeDur,
		Online:       conn.Online,
	}, logger)
	retry.metrics = m
	if err := retry.Load(); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load retry queue: %w", err)
	}

	bg := newBackground(opts.MaxBackgroundRefresh, opts.RefreshTimeout)
	gens := NewGenerationManager(store, cfg.CurrentPartitions(), logger)
	gens.metrics = m
	jan := NewJanitor(store, cfg.Janitor.Prefixes, cfg.Janitor.maxAgeDur, logger)
	jan.metrics = m

	loopCtx, loopCancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:         cfg,
		log:         logger,
		store:       store,
		classifier:  NewClassifier(cfg.Classify),
		table:       table,
		dispatcher:  newDispatcher(cfg, store, opts.Fetcher, table, bg, m, logger),
		fetcher:     opts.Fetcher,
		generations: gens,
		janitor:     jan,
		retry:       retry,
		conn:        conn,
		notifier:    opts.Notifier,
		metrics:     m,
		bg:          bg,
		ready:       make(chan struct{}),
		closing:     make(chan struct{}),
		loopCtx:     loopCtx,
		loopCancel:  loopCancel,
	}
	conn.Subscribe(func(online bool) {
		if online {
			mgr.triggerDrain()
		}
	})
	return mgr, nil
}

// Start runs the generation sweep and precache, then opens the read path
// and starts the periodic loops. Reads issued before Start returns wait.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("reqcache: already started")
	}
	if m.State() == Closed {
		return ErrClosed
	}

	t0 := time.Now()
	deleted, err := m.generations.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("generation sweep: %w", err)
	}
	m.precache(ctx)

	if !m.state.CompareAndSwap(int32(Initializing), int32(Ready)) {
		return ErrClosed
	}
	close(m.ready)
	m.log.Info().
		Int("deleted_partitions", len(deleted)).
		Str("generation", m.cfg.Generation).
		Dur("took", time.Since(t0)).
		Msg("cache ready")

	m.startLoops()
	if m.retry.Len() > 0 && m.conn.Online() {
		m.triggerDrain()
	}
	return nil
}

func (m *Manager) startLoops() {
	if every := m.cfg.Janitor.everyDur; every > 0 {
		m.goLoop(func(ctx context.Context) { m.janitor.loop(ctx, every) })
	}
	if every := m.cfg.Logging.statsEveryDur; every > 0 {
		m.goLoop(func(ctx context.Context) { m.statsLoop(every, ctx.Done()) })
	}
	if probe := m.cfg.Connectivity.Probe; probe != "" {
		p := &prober{
			url:    m.cfg.ResolveURL(probe),
			client: &http.Client{},
			conn:   m.conn,
			log:    m.log,
		}
		every := m.cfg.Connectivity.everyDur
		m.goLoop(func(ctx context.Context) { p.loop(ctx, every) })
	}
}

func (m *Manager) goLoop(fn func(ctx context.Context)) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		fn(m.loopCtx)
	}()
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Connectivity() *Connectivity { return m.conn }

func (m *Manager) awaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		if m.State() == Closed {
			return ErrClosed
		}
		return nil
	case <-m.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Handle serves one request.
func (m *Manager) Handle(ctx context.Context, req Request) (Response, error) {
	if m.State() == Closed {
		return Response{}, ErrClosed
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !isReadMethod(req.Method) {
		return m.handleMutating(ctx, req)
	}

	if err := m.awaitReady(ctx); err != nil {
		return Response{}, err
	}
	class := m.classifier.Classify(req)
	resp, err := m.dispatcher.Dispatch(ctx, req, class)
	if err != nil {
		if class == Document && errors.Is(err, ErrResourceUnavailable) {
			m.notifier.ResourceUnavailable(req, class, err)
		}
		return Response{}, err
	}
	m.metrics.response(ctx, resp)
	return resp, nil
}

// handleMutating never touches a partition. A transport failure queues the
// request once and answers 202 with the task id.
func (m *Manager) handleMutating(ctx context.Context, req Request) (Response, error) {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceBypass
		m.metrics.request(ctx, Unclassified, "passthrough", string(SourceBypass))
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if !IsTransportError(err) {
		return Response{}, err
	}

	task, qerr := m.retry.Enqueue(req)
	if qerr != nil {
		return Response{}, fmt.Errorf("queue %s %s: %w", req.Method, req.URL, qerr)
	}
	m.metrics.request(ctx, Unclassified, "passthrough", string(SourceQueued))
	h := http.Header{}
	h.Set(HeaderTask, task.ID)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Status:   http.StatusAccepted,
		Header:   h,
		Body:     []byte("queued for delivery when back online\n"),
		Source:   SourceQueued,
		Degraded: true,
		StoredAt: time.Now(),
	}, nil
}

// Fallback returns the offline fallback entry of the partition req's class
// is bound to, if one was configured and cached.
func (m *Manager) Fallback(req Request) (Response, bool) {
	if m.State() != Ready {
		return Response{}, false
	}
	b, ok := m.table.Lookup(m.classifier.Classify(req))
	if !ok {
		return Response{}, false
	}
	ent, ok := m.dispatcher.fallback(m.dispatcher.partitions[b.Partition])
	if !ok {
		return Response{}, false
	}
	resp := entryResponse(ent, SourceFallback)
	resp.Degraded = true
	return resp, true
}

// Drain replays the retry queue now and returns when the pass is done, or
// immediately if a drain is already running.
func (m *Manager) Drain(ctx context.Context) error {
	if !m.bg.acquire() {
		return ErrClosed
	}
	defer m.bg.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.bg.ctx, cancel)
	defer stop()

	m.retry.Drain(ctx)
	return nil
}

func (m *Manager) triggerDrain() {
	if !m.bg.acquire() {
		return
	}
	go func() {
		defer m.bg.release()
		m.retry.Drain(m.bg.ctx)
	}()
}

// RunJanitor runs one janitor sweep now.
func (m *Manager) RunJanitor(ctx context.Context) (JanitorReport, error) {
	if err := m.awaitReady(ctx); err != nil {
		return JanitorReport{}, err
	}
	if !m.bg.acquire() {
		return JanitorReport{}, ErrClosed
	}
	defer m.bg.release()
	return m.janitor.Run(ctx)
}

// Queue lists pending retry tasks in replay order.
func (m *Manager) Queue() []RetryTask { return m.retry.Tasks() }

type PartitionStats struct {
	Name       string `json:"name"`
	Generation string `json:"generation"`
	Entries    int    `json:"entries"`
	Bytes      int64  `json:"bytes"`
	Current    bool   `json:"current"`
}

type Stats struct {
	State      string           `json:"state"`
	Generation string           `json:"generation"`
	Online     bool             `json:"online"`
	Queued     int              `json:"queued"`
	RAMEntries int              `json:"ramEntries"`
	RAMBytes   int64            `json:"ramBytes"`
	DiskBytes  int64            `json:"diskBytes"`
	Partitions []PartitionStats `json:"partitions"`
}

func (m *Manager) Stats() (Stats, error) {
	if m.State() == Closed {
		return Stats{}, ErrClosed
	}
	infos, err := m.store.Partitions()
	if err != nil {
		return Stats{}, err
	}
	st := m.store.Stats()
	out := Stats{
		State:      m.State().String(),
		Generation: m.cfg.Generation,
		Online:     m.conn.Online(),
		Queued:     m.retry.Len(),
		RAMEntries: st.RAMEntries,
		RAMBytes:   st.RAMBytes,
		DiskBytes:  st.DiskBytes,
		Partitions: make([]PartitionStats, 0, len(infos)),
	}
	for _, info := range infos {
		_, cur := m.generations.current[info.ID()]
		out.Partitions = append(out.Partitions, PartitionStats{
			Name:       info.Name,
			Generation: info.Generation,
			Entries:    info.Entries,
			Bytes:      info.Bytes,
			Current:    cur,
		})
	}
	return out, nil
}

// Close stops the loops, waits for background work until ctx is done and
// abandons what is left, then closes storage. No cache write happens after
// Close returns.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.state.Store(int32(Closed))
		close(m.closing)
		m.loopCancel()
		m.loops.Wait()

		bgErr := m.bg.Close(ctx)
		if bgErr != nil {
			m.log.Warn().Err(bgErr).Msg("abandoned background work on shutdown")
		}
		if m.cfg.Logging.statsEveryDur > 0 {
			m.logStats(zerolog.InfoLevel)
		}
		m.closeErr = m.store.Close()
	})
	return m.closeErr
}
