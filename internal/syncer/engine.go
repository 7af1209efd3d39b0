// Package syncer keeps one session's copy of the shared document in step with the gateway.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coralclub/tents/internal/state"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the revision polling period.
	DefaultPollInterval = 1500 * time.Millisecond
	subscriberBuffer    = 16
)

var (
	errMissingGateway = errors.New("syncer: gateway is required")
	errMissingKeys    = errors.New("syncer: state key and revision key are required")

	// ErrWriteRejected indicates the gateway refused a patch. Rejected patches are not applied
	// locally.
	ErrWriteRejected = errors.New("syncer: gateway rejected the write")
)

// rejecter is implemented by gateway errors that refuse a write, as opposed to failing to
// deliver it.
type rejecter interface {
	Rejected() bool
}

func isRejection(err error) bool {
	var rejection rejecter
	return errors.As(err, &rejection) && rejection.Rejected()
}

// Gateway is the remote side of the engine. Both the in-process gateway service and the HTTP
// gateway client satisfy it.
type Gateway interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Merge(ctx context.Context, stateKey string, patch state.Document, revKey string) (state.Document, int64, error)
}

// Cache stores the local projection between runs.
type Cache interface {
	Load(ctx context.Context) (state.Document, bool, error)
	Save(ctx context.Context, document state.Document) error
}

// Phase is the engine's lifecycle position.
type Phase string

const (
	PhaseBooting Phase = "booting"
	PhaseLoaded  Phase = "loaded"
	PhaseSeeded  Phase = "seeded"
	PhasePolling Phase = "polling"
)

// Origin tells subscribers where a change came from.
type Origin string

const (
	// OriginCache is a document restored from the local cache at boot.
	OriginCache Origin = "cache"
	// OriginRemote is a document fetched from the gateway (boot fetch or polling).
	OriginRemote Origin = "remote"
	// OriginMerge is this session's write accepted by the merge endpoint.
	OriginMerge Origin = "merge"
	// OriginLocal is this session's write applied locally after the merge endpoint failed.
	OriginLocal Origin = "local"
)

// Change is delivered to subscribers after every document change.
type Change struct {
	Origin Origin
	Rev    int64
	Keys   []string
}

// WriteResult reports how a patch was applied.
type WriteResult struct {
	Remote bool
	Rev    int64
}

type Config struct {
	Gateway      Gateway
	Cache        Cache
	StateKey     string
	RevKey       string
	PollInterval time.Duration
	GridSize     int
	FetchOnBoot  bool
	Clock        func() time.Time
	IDProvider   state.IDProvider
	Logger       *zap.Logger
}

// Engine holds the session document. Writes are serialized by writeMu; mu guards the document
// so polling can replace it while a write is in flight.
type Engine struct {
	gateway      Gateway
	cache        Cache
	stateKey     string
	revKey       string
	pollInterval time.Duration
	gridSize     int
	fetchOnBoot  bool
	clock        func() time.Time
	ids          state.IDProvider
	logger       *zap.Logger

	writeMu sync.Mutex

	mu         sync.RWMutex
	document   state.Document
	rev        int64
	remoteRev  int64
	observed   bool
	generation uint64
	phase      Phase

	pokes  chan struct{}
	saveMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[int64]chan Change
	nextSubID   int64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if strings.TrimSpace(cfg.StateKey) == "" || strings.TrimSpace(cfg.RevKey) == "" {
		return nil, errMissingKeys
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	gridSize := cfg.GridSize
	if gridSize <= 0 {
		gridSize = state.DefaultGridSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = state.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gateway:      cfg.Gateway,
		cache:        cfg.Cache,
		stateKey:     cfg.StateKey,
		revKey:       cfg.RevKey,
		pollInterval: pollInterval,
		gridSize:     state.ClampGridSize(gridSize),
		fetchOnBoot:  cfg.FetchOnBoot,
		clock:        clock,
		ids:          ids,
		logger:       logger,
		document:     state.Document{},
		phase:        PhaseBooting,
		pokes:        make(chan struct{}, 1),
		subscribers:  make(map[int64]chan Change),
	}, nil
}

// Boot restores the cached projection, or adopts the remote document, or seeds a fresh one.
func (e *Engine) Boot(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if cached, ok := e.loadCache(ctx); ok {
		document, err := e.restore(cached)
		if err != nil {
			return err
		}
		e.replace(document, PhaseLoaded, OriginCache)
		e.logger.Info("state restored from local cache", zap.Strings("keys", document.Keys()))
		return nil
	}

	if e.fetchOnBoot {
		raw, err := e.gateway.Get(ctx, e.stateKey)
		if err != nil {
			e.logger.Warn("boot fetch failed", zap.Error(err))
		} else if remote, decodeErr := state.DecodeDocument(raw); decodeErr != nil {
			e.logger.Warn("boot fetch returned an unreadable document", zap.Error(decodeErr))
		} else if len(remote) > 0 {
			e.replace(remote, PhaseLoaded, OriginRemote)
			e.logger.Info("state adopted from gateway", zap.Strings("keys", remote.Keys()))
			return nil
		}
	}

	seed, err := e.seed()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.phase = PhaseSeeded
	e.mu.Unlock()
	result, err := e.applyPatch(ctx, seed)
	if err != nil {
		e.logger.Warn("seed rejected by gateway, keeping it locally", zap.Error(err))
		result = e.applyLocal(seed)
	}
	e.logger.Info("state seeded", zap.Int("tents", e.gridSize), zap.Bool("remote", result.Remote))
	return nil
}

// Run polls the revision until ctx ends. Poke triggers an immediate poll.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.phase = PhasePolling
	e.mu.Unlock()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Poll(ctx)
		case <-e.pokes:
			e.Poll(ctx)
		}
	}
}

// Poke asks the running loop to poll now. Extra pokes collapse into one.
func (e *Engine) Poke() {
	select {
	case e.pokes <- struct{}{}:
	default:
	}
}

// Poll reads the revision and, when it moved, replaces the document with the remote one.
// It reports whether the document was replaced.
func (e *Engine) Poll(ctx context.Context) bool {
	e.mu.RLock()
	generation := e.generation
	lastRev, observed := e.remoteRev, e.observed
	e.mu.RUnlock()

	rawRev, err := e.gateway.Get(ctx, e.revKey)
	if err != nil {
		e.logger.Debug("revision read failed", zap.Error(err))
		return false
	}
	remoteRev, err := parseRevision(rawRev)
	if err != nil {
		e.logger.Warn("revision is not an integer", zap.ByteString("value", rawRev))
		return false
	}
	if observed && remoteRev == lastRev {
		return false
	}

	raw, err := e.gateway.Get(ctx, e.stateKey)
	if err != nil {
		e.logger.Debug("state fetch failed", zap.Error(err))
		return false
	}
	remote, err := state.DecodeDocument(raw)
	if err != nil {
		e.logger.Warn("remote state is unreadable", zap.Error(err))
		return false
	}
	if err := remote.Validate(); err != nil {
		e.logger.Warn("remote state carries invalid values", zap.Int64("rev", remoteRev), zap.Error(err))
	}

	e.mu.Lock()
	if e.generation != generation {
		// A write landed while fetching; the next tick compares against its revision.
		e.mu.Unlock()
		return false
	}
	e.rev = remoteRev
	e.remoteRev = remoteRev
	e.observed = true
	if len(remote) == 0 {
		e.generation++
		e.mu.Unlock()
		return false
	}
	e.document = remote
	e.generation++
	e.mu.Unlock()

	e.afterChange(Change{Origin: OriginRemote, Rev: remoteRev, Keys: remote.Keys()})
	return true
}

// ApplyPatch sends patch through the merge endpoint, falling back to a local shallow merge when
// the gateway cannot be reached. A patch the gateway refuses returns ErrWriteRejected.
func (e *Engine) ApplyPatch(ctx context.Context, patch state.Document) (WriteResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.applyPatch(ctx, patch)
}

// Update runs fn against the current typed state and writes the patch it returns. A non-empty
// logMessage adds a log entry to the patch. An error from fn, or an empty patch, leaves the
// document unchanged.
func (e *Engine) Update(ctx context.Context, logMessage string, fn func(current state.SharedState) (state.Document, error)) (WriteResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current, err := e.State()
	if err != nil {
		return WriteResult{}, err
	}
	patch, err := fn(current)
	if err != nil {
		return WriteResult{}, err
	}
	if len(patch) == 0 {
		return WriteResult{Rev: e.Revision()}, nil
	}
	if logMessage != "" {
		id, err := e.ids.NewID()
		if err != nil {
			return WriteResult{}, err
		}
		logs := state.PrependLog(current.Logs, state.LogEntry{ID: id, At: e.clock().UTC(), Message: logMessage})
		if err := patch.Put(state.KeyLogs, logs); err != nil {
			return WriteResult{}, err
		}
	}
	return e.applyPatch(ctx, patch)
}

// Document returns a copy of the current document.
func (e *Engine) Document() state.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.document.Clone()
}

// State decodes the current document.
func (e *Engine) State() (state.SharedState, error) {
	e.mu.RLock()
	document := e.document
	e.mu.RUnlock()
	return document.Decode()
}

// Revision returns the last revision adopted from the gateway or bumped locally. Local bumps
// are discarded when the next remote document is adopted.
func (e *Engine) Revision() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rev
}

// RemoteRevision returns the last revision read from or produced by the gateway.
func (e *Engine) RemoteRevision() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remoteRev
}

func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// Subscribe delivers every change until ctx ends or cleanup runs. A subscriber that falls
// behind misses changes rather than blocking the engine.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Change, func()) {
	stream := make(chan Change, subscriberBuffer)
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = stream
	e.subMu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers, id)
			e.subMu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return stream, cleanup
}

func (e *Engine) applyPatch(ctx context.Context, patch state.Document) (WriteResult, error) {
	merged, rev, err := e.gateway.Merge(ctx, e.stateKey, patch, e.revKey)
	if err == nil {
		e.mu.Lock()
		e.document = merged
		e.rev = rev
		e.remoteRev = rev
		e.observed = true
		e.generation++
		e.mu.Unlock()
		e.afterChange(Change{Origin: OriginMerge, Rev: rev, Keys: patch.Keys()})
		return WriteResult{Remote: true, Rev: rev}, nil
	}
	if isRejection(err) {
		e.logger.Info("merge rejected by gateway", zap.Error(err), zap.Strings("keys", patch.Keys()))
		return WriteResult{}, fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}

	e.logger.Warn("merge failed, applying patch locally", zap.Error(err), zap.Strings("keys", patch.Keys()))
	return e.applyLocal(patch), nil
}

// applyLocal shallow-merges patch into the session document and bumps only the local revision;
// polling keeps comparing against the last revision seen on the gateway.
func (e *Engine) applyLocal(patch state.Document) WriteResult {
	e.mu.Lock()
	e.document = state.ShallowMerge(e.document, patch)
	e.rev++
	rev := e.rev
	e.generation++
	e.mu.Unlock()
	e.afterChange(Change{Origin: OriginLocal, Rev: rev, Keys: patch.Keys()})
	return WriteResult{Remote: false, Rev: rev}
}

func (e *Engine) replace(document state.Document, phase Phase, origin Origin) {
	e.mu.Lock()
	e.document = document
	e.phase = phase
	e.generation++
	rev := e.rev
	e.mu.Unlock()
	e.afterChange(Change{Origin: origin, Rev: rev, Keys: document.Keys()})
}

func (e *Engine) afterChange(change Change) {
	if e.cache != nil {
		// Always persist the latest document so concurrent changes cannot leave an older one behind.
		e.saveMu.Lock()
		if err := e.cache.Save(context.Background(), e.Document()); err != nil {
			e.logger.Debug("local cache write failed", zap.Error(err))
		}
		e.saveMu.Unlock()
	}
	e.logger.Debug("state changed", zap.String("origin", string(change.Origin)), zap.Int64("rev", change.Rev))

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, stream := range e.subscribers {
		select {
		case stream <- change:
		default:
		}
	}
}

func (e *Engine) loadCache(ctx context.Context) (state.Document, bool) {
	if e.cache == nil {
		return nil, false
	}
	cached, ok, err := e.cache.Load(ctx)
	if err != nil {
		e.logger.Warn("local cache read failed", zap.Error(err))
		return nil, false
	}
	return cached, ok
}

// restore lays the cached projection over the defaults and fills in a grid when no tents exist.
func (e *Engine) restore(cached state.Document) (state.Document, error) {
	defaults, err := state.DefaultDocument(state.Security{})
	if err != nil {
		return nil, err
	}
	document := state.ShallowMerge(defaults, cached.Project(state.LocalProjectionKeys...))
	var tents []state.Tent
	if _, err := document.DecodeField(state.KeyTents, &tents); err != nil {
		e.logger.Warn("cached tents are unreadable, regenerating grid", zap.Error(err))
		tents = nil
	}
	if len(tents) > 0 {
		return document, nil
	}
	var layout state.Layout
	if _, err := document.DecodeField(state.KeyLayout, &layout); err != nil || layout.Count <= 0 {
		layout.Count = e.gridSize
	}
	if err := document.Put(state.KeyTents, state.MakeGrid(state.ClampGridSize(layout.Count))); err != nil {
		return nil, err
	}
	return document, nil
}

func (e *Engine) seed() (state.Document, error) {
	seed, err := state.DefaultDocument(state.Security{})
	if err != nil {
		return nil, err
	}
	if err := seed.Put(state.KeyLayout, state.Layout{Count: e.gridSize}); err != nil {
		return nil, err
	}
	if err := seed.Put(state.KeyTents, state.MakeGrid(e.gridSize)); err != nil {
		return nil, err
	}
	return seed, nil
}

func parseRevision(raw json.RawMessage) (int64, error) {
	trimmed := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}
