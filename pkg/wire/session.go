// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/object"
	"diamond.io/diamond/pkg/objectsource"
	"diamond.io/diamond/pkg/pipeline"
	"diamond.io/diamond/pkg/resultcache"
	"diamond.io/diamond/pkg/scope"
	"diamond.io/diamond/pkg/wire/blobstore"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("wire")

// Config configures a Session's use of the rest of the engine; one
// Config is shared by every search a server daemon handles in its
// lifetime (spec.md §6 persisted state layout, §5 "runners are kept
// alive for the next search (warm)").
type Config struct {
	// CacheDir roots the persisted state layout of spec.md §6; empty
	// keeps everything in memory (used by tests).
	CacheDir string

	// Policy selects the optimizer's permutation-reconsideration
	// strategy (spec.md §4.F); nil defaults to filterdag.StaticPolicy{}.
	Policy filterdag.Policy

	// BlastBuffer sizes the executor's output channel.
	BlastBuffer int

	// BypassRate is the independent per-object filter-skip sampling
	// rate (spec.md §4.G "Bypass").
	BypassRate float64

	// HTTPClient fetches scope-body manifests and object bodies
	// (spec.md §4.C); required for a non-test Session.
	HTTPClient objectsource.HTTPClient

	// Spawn launches the subprocess runner for a given filter spec
	// (spec.md §4.D); a Session with a nil Spawn can accept control
	// RPCs but a device_start that actually needs to run a filter
	// will fail at first use.
	Spawn func(spec *filterrun.Spec) filterrun.Spawner

	// ServerFQDN is compared against a scope cookie's Servers list
	// (spec.md §6, §8 scenario S5).
	ServerFQDN string
}

// pendingSpec is one parsed filter record, kept so device_start can
// apply any blob sent after the spec by
// device_set_blob/device_set_blob_by_signature.
type pendingSpec struct {
	spec *filterrun.Spec
}

// Session holds all per-connection-pair search state: the scope cookie,
// cached specs/blobs/module binaries, the live executor once a search
// is RUNNING, and the session-variable dictionary control RPCs read and
// write (spec.md §4.G, §4.H). One Session serves one control+data
// socket pair end to end, mirroring the teacher's per-connection
// orchestrator pattern (one small type holding every collaborator a
// request handler needs, rather than passing them individually).
type Session struct {
	log *zap.Logger
	cfg Config

	specStore   *blobstore.Store
	blobStore   *blobstore.Store
	moduleStore *blobstore.Store

	cache *resultcache.Store
	pool  *filterrun.Pool

	mu        sync.Mutex
	cookie    *scope.Cookie
	pushAttrs []string
	specs     map[diamond.Signature]*pendingSpec
	specOrder []diamond.Signature
	blobs     map[string][]byte // filter name -> init blob bytes

	running  bool
	cancel   context.CancelFunc
	executor *pipeline.Executor
	driver   *filterdag.Driver
}

// NewSession creates a Session ready to receive control RPCs; no search
// is running until device_start.
func NewSession(log *zap.Logger, cfg Config) (*Session, error) {
	specDir, blobDir, moduleDir := "", "", ""
	if cfg.CacheDir != "" {
		specDir = filepath.Join(cfg.CacheDir, "specs")
		blobDir = filepath.Join(cfg.CacheDir, "blobs")
		moduleDir = filepath.Join(cfg.CacheDir, "binary")
	}

	specStore, err := blobstore.Open(specDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	blobStore, err := blobstore.Open(blobDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	moduleStore, err := blobstore.Open(moduleDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	cachePath := ":memory:"
	if cfg.CacheDir != "" {
		cachePath = filepath.Join(cfg.CacheDir, "ocache.db")
	}
	cache, err := resultcache.Open(log.Named("resultcache"), cachePath)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pool := filterrun.NewPool(log.Named("filterrun"), func(spec *filterrun.Spec) filterrun.Spawner {
		return func(ctx context.Context) (filterrun.ProcessIO, <-chan error, error) {
			if cfg.Spawn == nil {
				return nil, nil, Error.New("no spawn function configured for filter %q", spec.Name)
			}
			return cfg.Spawn(spec)(ctx)
		}
	})

	return &Session{
		log:         log,
		cfg:         cfg,
		specStore:   specStore,
		blobStore:   blobStore,
		moduleStore: moduleStore,
		cache:       cache,
		pool:        pool,
		specs:       make(map[diamond.Signature]*pendingSpec),
		blobs:       make(map[string][]byte),
	}, nil
}

// SetScope implements device_set_scope (spec.md §4.H, §8 S5).
func (s *Session) SetScope(cookieText string) (Status, error) {
	cookie, err := scope.Parse(cookieText)
	if err != nil {
		return StatusKeyRejected, err
	}
	if s.cfg.ServerFQDN != "" && !cookie.AcceptsServer(s.cfg.ServerFQDN) {
		return StatusKeyRejected, Error.New("server %q not in cookie's Servers list", s.cfg.ServerFQDN)
	}

	s.mu.Lock()
	s.cookie = cookie
	s.mu.Unlock()
	return StatusOK, nil
}

// SetSpec implements device_set_spec: caches the raw spec-file bytes
// content-addressed under sig, parses it, and remembers every filter
// record it contains for the next device_start (spec.md §4.H).
func (s *Session) SetSpec(sig diamond.Signature, raw []byte) (Status, error) {
	if err := s.specStore.Put(sig, raw); err != nil {
		return StatusInternalError, err
	}

	parsed, err := filterrun.ParseSpecFile(bytes.NewReader(raw))
	if err != nil {
		return StatusEncodingError, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range parsed {
		key := diamond.SignStrings(sig.String(), spec.Name)
		if _, dup := s.specs[key]; !dup {
			s.specOrder = append(s.specOrder, key)
		}
		s.specs[key] = &pendingSpec{spec: spec}
	}
	return StatusOK, nil
}

// SetPushAttrs implements device_set_push_attrs: installs the
// "thumbnail set" of attribute names returned with each passing object.
func (s *Session) SetPushAttrs(names []string) {
	s.mu.Lock()
	s.pushAttrs = append([]string(nil), names...)
	s.mu.Unlock()
}

// SetBlob implements device_set_blob: installs an init blob inline for
// a named filter.
func (s *Session) SetBlob(filterName string, data []byte) (Status, error) {
	sig := diamond.SignBytes(data)
	if err := s.blobStore.Put(sig, data); err != nil {
		return StatusInternalError, err
	}
	s.mu.Lock()
	s.blobs[filterName] = data
	s.mu.Unlock()
	return StatusOK, nil
}

// SetBlobBySignature implements device_set_blob_by_signature: installs
// an already-cached init blob by content reference, failing with
// cache-miss if the server never saw it inline (spec.md §4.H, §7).
func (s *Session) SetBlobBySignature(filterName string, sig diamond.Signature) (Status, error) {
	data, ok := s.blobStore.Get(sig)
	if !ok {
		return StatusCacheMiss, Error.New("blob %s not cached", sig)
	}
	s.mu.Lock()
	s.blobs[filterName] = data
	s.mu.Unlock()
	return StatusOK, nil
}

// SetObj implements device_set_obj: checks whether a filter module
// binary is already cached by signature, reporting cache-miss if the
// client must resend it inline via SendObj (spec.md §4.H, §7).
func (s *Session) SetObj(sig diamond.Signature) Status {
	if s.moduleStore.Has(sig) {
		return StatusOK
	}
	return StatusCacheMiss
}

// SendObj implements device_send_obj: an inline, content-verified
// filter module binary send.
func (s *Session) SendObj(sig diamond.Signature, data []byte) (Status, error) {
	if diamond.SignBytes(data) != sig {
		return StatusEncodingError, Error.New("module binary does not match its claimed signature")
	}
	if err := s.moduleStore.Put(sig, data); err != nil {
		return StatusInternalError, err
	}
	return StatusOK, nil
}

// SessionVariablesGet implements session_variables_get.
func (s *Session) SessionVariablesGet(names []string) ([]float64, error) {
	exec := s.currentExecutor()
	if exec == nil {
		return nil, Error.New("no search running")
	}
	return exec.SessionVars().GetSessionVariables(names), nil
}

// SessionVariablesSet implements session_variables_set.
func (s *Session) SessionVariablesSet(names []string, values []float64) error {
	exec := s.currentExecutor()
	if exec == nil {
		return Error.New("no search running")
	}
	exec.SessionVars().UpdateSessionVariables(names, values)
	return nil
}

// RequestStats implements request_stats: a snapshot of every filter's
// counters (spec.md §4.H).
func (s *Session) RequestStats() (StatsReply, error) {
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()
	if driver == nil {
		return StatsReply{}, Error.New("no search running")
	}

	stats := driver.Stats()
	names := driver.Current()
	reply := StatsReply{Filters: make([]FilterStat, 0, len(names))}
	for _, name := range names {
		c := stats.Snapshot(name)
		reply.Filters = append(reply.Filters, FilterStat{
			Name:          name,
			Called:        c.Called,
			Passed:        c.Passed,
			Dropped:       c.Dropped,
			MeanTimeNanos: c.MeanTime(),
		})
	}
	return reply, nil
}

// Reexecute implements device_reexecute_filters.
func (s *Session) Reexecute(ctx context.Context, objectID diamond.Signature, attrNames []string) (ReexecuteReply, error) {
	exec := s.currentExecutor()
	if exec == nil {
		return ReexecuteReply{}, Error.New("no search running")
	}
	set, err := exec.Reexecute(ctx, objectID)
	if err != nil {
		return ReexecuteReply{}, err
	}

	reply := ReexecuteReply{}
	for _, pair := range set.Pairs() {
		if len(attrNames) > 0 && !containsName(attrNames, pair.Name) {
			continue
		}
		reply.Attrs = append(reply.Attrs, AttrKV{Name: pair.Name})
	}
	return reply, nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// DeviceStart implements device_start: builds the filter DAG from every
// spec seen so far, opens the object source against the installed scope
// cookie, and starts the pipeline executor (spec.md §4.G, §4.H).
func (s *Session) DeviceStart(ctx context.Context, searchID string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Error.New("search already running")
	}
	cookie := s.cookie
	specs := s.collectSpecsLocked()
	s.mu.Unlock()

	if cookie == nil {
		return Error.New("device_start: no scope cookie installed")
	}

	graph, err := filterdag.Build(specs)
	if err != nil {
		return Error.Wrap(err)
	}

	policy := s.cfg.Policy
	if policy == nil {
		policy = filterdag.StaticPolicy{}
	}
	driver := filterdag.NewDriver(graph, policy)

	source := objectsource.New(s.log.Named("objectsource"), s.cfg.HTTPClient)
	source.Start(ctx, cookie.URLs())

	qa := resultcache.NewQueryAttrs()
	executor := pipeline.New(s.log.Named("pipeline"), graph, driver, s.pool, s.cache, qa,
		source, pipeline.Config{QueryID: searchID, BypassRate: s.cfg.BypassRate}, s.cfg.BlastBuffer)

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.executor = executor
	s.driver = driver
	s.mu.Unlock()

	go func() {
		if err := executor.Run(runCtx); err != nil && s.log != nil {
			s.log.Warn("executor stopped", zap.Error(err))
		}
	}()
	return nil
}

// collectSpecsLocked applies any blob overlay onto the parsed specs and
// returns them in the order their spec file was first received. Caller
// must hold s.mu.
func (s *Session) collectSpecsLocked() []*filterrun.Spec {
	out := make([]*filterrun.Spec, 0, len(s.specOrder))
	for _, sig := range s.specOrder {
		pending, ok := s.specs[sig]
		if !ok {
			continue
		}
		spec := pending.spec
		if blob, ok := s.blobs[spec.Name]; ok {
			spec.Blob = blob
		}
		out = append(out, spec)
	}
	return out
}

// DeviceStop implements device_stop: halts the stage-1 walker and
// dispatcher loops but keeps runners warm for the next search (spec.md
// §4.H, §5 "Cancellation").
func (s *Session) DeviceStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	if s.driver != nil {
		s.driver.Stop()
	}
	s.running = false
	s.executor = nil
	s.driver = nil
}

func (s *Session) currentExecutor() *pipeline.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor
}

// Blast returns the channel of objects surviving the running search's
// filter chain, or nil if no search is running.
func (s *Session) Blast() <-chan *object.Object {
	exec := s.currentExecutor()
	if exec == nil {
		return nil
	}
	return exec.Blast()
}

// PushAttrs returns the currently installed thumbnail attribute-name
// set, and whether one was ever installed.
func (s *Session) PushAttrs() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushAttrs == nil {
		return nil, false
	}
	return append([]string(nil), s.pushAttrs...), true
}

// Close tears down the session's cache and runner pool.
func (s *Session) Close() error {
	s.DeviceStop()
	s.pool.CloseAll(context.Background())
	return s.cache.Close()
}
