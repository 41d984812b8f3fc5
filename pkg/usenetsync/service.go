// Package usenetsync wires the store, the NNTP transports, and the
// transfer engines into the operation surface the CLI exposes: user
// and folder lifecycle, publishing, share access, and queue control.
package usenetsync

import (
	"context"
	"sync"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/engine"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/indexer"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Service is the long-lived application object. One instance owns the
// store connection, the connection pools, and the set of in-flight
// queue items.
type Service struct {
	cfg     *config.Config
	store   *store.GORMStore
	trans   *engine.Transports
	metrics *metrics.Metrics
	indexer *indexer.Indexer
	up      *engine.Uploader
	dl      *engine.Downloader

	mu      sync.Mutex
	running map[string]*running
}

// New opens the store, dials nothing yet (pools connect lazily), and
// builds the engines from configuration.
func New(cfg *config.Config) (*Service, error) {
	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, err
	}

	trans, err := buildTransports(cfg.Servers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(cfg.Metrics.Port); err != nil {
				logger.Warn("metrics endpoint stopped", logger.KeyError, err.Error())
			}
		}()
	}

	s := &Service{
		cfg:     cfg,
		store:   st,
		trans:   trans,
		metrics: m,
		indexer: indexer.New(st),
		running: make(map[string]*running),
	}
	s.up = engine.NewUploader(st, trans, engine.UploadOptions{
		SegmentSize:     int(cfg.Posting.SegmentSize),
		Compress:        cfg.Posting.Compression != "off",
		CompressMargin:  cfg.Posting.CompressionMargin,
		Redundancy:      cfg.Posting.Redundancy,
		SpoolDir:        cfg.Spool.Path,
		PackingEnabled:  cfg.Packing.PackingEnabled(),
		PackThreshold:   int64(cfg.Packing.Threshold),
		Workers:         cfg.Posting.Workers,
		MaxRetries:      cfg.Posting.MaxRetries,
		From:            cfg.Posting.From,
		MessageIDDomain: cfg.Posting.MessageIDDomain,
	}, m)
	s.dl = engine.NewDownloader(st, trans, engine.DownloadOptions{
		Workers:    cfg.Download.Workers,
		CacheSize:  int64(cfg.Download.CacheSize),
		MaxRetries: cfg.Download.MaxRetries,
	}, m)
	return s, nil
}

func buildTransports(servers []config.ServerConfig) (*engine.Transports, error) {
	out := make([]*engine.Server, 0, len(servers))
	for i := range servers {
		sc := &servers[i]
		pool := nntp.NewPool(nntp.Config{
			Host:           sc.Host,
			Port:           sc.Port,
			TLS:            sc.TLSEnabled(),
			Username:       sc.Username,
			Password:       sc.Password,
			MaxConnections: sc.MaxConnections,
			ConnectTimeout: sc.ConnectTimeout,
			IdleTimeout:    sc.IdleTimeout,
		})
		out = append(out, &engine.Server{
			Name:   sc.DisplayName(),
			Groups: sc.Groups,
			// Config priority is highest-first; the transport sorts
			// ascending.
			Priority: -sc.Priority,
			Pool:     pool,
		})
	}
	return engine.NewTransports(out)
}

// Store exposes the underlying store for read-only surfaces (status
// listings). Mutation goes through the operations.
func (s *Service) Store() *store.GORMStore {
	return s.store
}

// Close stops in-flight work and releases pools and the store. Running
// items are cancelled; the engines leave them paused and resumable.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, r := range s.running {
		r.cancel()
	}
	waiting := make([]*running, 0, len(s.running))
	for _, r := range s.running {
		waiting = append(waiting, r)
	}
	s.mu.Unlock()

	for _, r := range waiting {
		<-r.done
	}
	s.trans.Close()
	return s.store.Close()
}

// running tracks one in-flight queue item.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// HandleKind distinguishes the two queue directions.
type HandleKind string

const (
	HandleUpload   HandleKind = "upload"
	HandleDownload HandleKind = "download"
)

// Handle identifies an asynchronous operation. The ID is durable (it
// is the queue item ID) and remains valid across process restarts;
// Wait only works within the process that started the run.
type Handle struct {
	ID   string
	Kind HandleKind

	r *running
}

// Wait blocks until the operation finishes and returns its error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.r.done:
		return h.r.err
	case <-ctx.Done():
		return errkind.Wrap(errkind.KindCancelled, "usenetsync.wait", ctx.Err())
	}
}

// start launches a queue item run on its own cancellable context. The
// parent context is deliberately not inherited: the operation outlives
// the request that queued it.
func (s *Service) start(id string, kind HandleKind, run func(context.Context) error) *Handle {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[id] = r
	s.mu.Unlock()

	go func() {
		r.err = run(runCtx)
		cancel()
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		close(r.done)
	}()

	return &Handle{ID: id, Kind: kind, r: r}
}

// stop cancels a running item and waits for the engine to park it.
// Returns false when the item is not running in this process.
func (s *Service) stop(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.cancel()
	select {
	case <-r.done:
		return true, nil
	case <-ctx.Done():
		return true, errkind.Wrap(errkind.KindCancelled, "usenetsync.stop", ctx.Err())
	}
}
