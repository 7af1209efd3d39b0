package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coralclub/tents/internal/kv"
	"github.com/coralclub/tents/internal/state"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("kv store is required")
	errMissingKey   = errors.New("key is required")
	// ErrAdminRequired indicates a patch touching protected keys without an admin session.
	ErrAdminRequired = errors.New("gateway: admin session required")
	noOpLogger       = zap.NewNop()
)

// ProtectedKeys may only be changed by an admin once they exist in the stored document.
var ProtectedKeys = []string{
	state.KeyBackground,
	state.KeyLayout,
	state.KeyPayments,
	state.KeySecurity,
	state.KeyCategories,
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// Rejected reports a merge refused for lack of an admin session.
func (e *ServiceError) Rejected() bool {
	return errors.Is(e.err, ErrAdminRequired)
}

const (
	opServiceNew = "gateway.service.new"
	opGet        = "gateway.get"
	opSet        = "gateway.set"
	opIncr       = "gateway.incr"
	opMerge      = "gateway.merge"

	reasonMissingStore   = "missing_store"
	reasonInvalidKey     = "invalid_key"
	reasonInvalidValue   = "invalid_value"
	reasonReadFailed     = "read_failed"
	reasonDecodeFailed   = "decode_failed"
	reasonEncodeFailed   = "encode_failed"
	reasonWriteFailed    = "write_failed"
	reasonIncrFailed     = "incr_failed"
	reasonRevisionFailed = "revision_failed"
	reasonAdminRequired  = "admin_required"
	reasonInvalidPatch   = "invalid_patch"

	fieldKey      = "key"
	fieldStateKey = "state_key"
	fieldRevKey   = "rev_key"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RevisionNotifier receives every counter value the service produces.
type RevisionNotifier interface {
	NotifyRevision(key string, rev int64)
}

type ServiceConfig struct {
	Store    kv.Store
	Notifier RevisionNotifier
	Logger   *zap.Logger
}

// Service is the stateless gateway over a single key-value store.
type Service struct {
	store    kv.Store
	notifier RevisionNotifier
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Get returns the value at key, or nil when the key does not exist.
func (s *Service) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.ready(opGet, key); err != nil {
		return nil, err
	}
	value, err := s.store.Get(ctx, key)
	if err != nil {
		s.logError(opGet, reasonReadFailed, err, zap.String(fieldKey, key))
		return nil, newServiceError(opGet, reasonReadFailed, err)
	}
	return value, nil
}

// Set overwrites the value at key and echoes it back.
func (s *Service) Set(ctx context.Context, key string, value json.RawMessage) (json.RawMessage, error) {
	if err := s.ready(opSet, key); err != nil {
		return nil, err
	}
	if !json.Valid(value) {
		return nil, newServiceError(opSet, reasonInvalidValue, kv.ErrInvalidValue)
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		s.logError(opSet, reasonWriteFailed, err, zap.String(fieldKey, key))
		return nil, newServiceError(opSet, reasonWriteFailed, err)
	}
	return value, nil
}

// Incr increments the counter at key and publishes the new value.
func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	if err := s.ready(opIncr, key); err != nil {
		return 0, err
	}
	rev, err := s.store.Incr(ctx, key)
	if err != nil {
		s.logError(opIncr, reasonIncrFailed, err, zap.String(fieldKey, key))
		return 0, newServiceError(opIncr, reasonIncrFailed, err)
	}
	s.notify(key, rev)
	return rev, nil
}

// MergeRequest is one guarded merge.
type MergeRequest struct {
	StateKey string
	RevKey   string
	Patch    state.Document
	Admin    bool
}

// MergeResult carries the merged document and the revision produced by the merge.
type MergeResult struct {
	State state.Document
	Rev   int64
}

// Merge reads the document, shallow-merges patch, writes it back and bumps the revision.
// It applies no authorization and is meant for trusted in-process callers.
func (s *Service) Merge(ctx context.Context, stateKey string, patch state.Document, revKey string) (state.Document, int64, error) {
	result, err := s.merge(ctx, MergeRequest{StateKey: stateKey, RevKey: revKey, Patch: patch}, nil)
	if err != nil {
		return nil, 0, err
	}
	return result.State, result.Rev, nil
}

// MergeGuarded is Merge with the protected-key rule applied for non-admin requests.
func (s *Service) MergeGuarded(ctx context.Context, request MergeRequest) (MergeResult, error) {
	guard := guardProtectedKeys
	if request.Admin {
		guard = nil
	}
	return s.merge(ctx, request, guard)
}

func (s *Service) merge(ctx context.Context, request MergeRequest, guard func(current, patch state.Document) error) (MergeResult, error) {
	if err := s.ready(opMerge, request.StateKey); err != nil {
		return MergeResult{}, err
	}
	if strings.TrimSpace(request.RevKey) == "" {
		return MergeResult{}, newServiceError(opMerge, reasonInvalidKey, errMissingKey)
	}
	fields := []zap.Field{zap.String(fieldStateKey, request.StateKey), zap.String(fieldRevKey, request.RevKey)}
	if err := request.Patch.Validate(); err != nil {
		s.loggerOrDefault().Warn("merge rejected",
			append(fields, zap.String("reason", reasonInvalidPatch), zap.Error(err))...)
		return MergeResult{}, newServiceError(opMerge, reasonInvalidPatch, err)
	}

	raw, err := s.store.Get(ctx, request.StateKey)
	if err != nil {
		s.logError(opMerge, reasonReadFailed, err, fields...)
		return MergeResult{}, newServiceError(opMerge, reasonReadFailed, err)
	}
	current, err := state.DecodeDocument(raw)
	if err != nil {
		s.logError(opMerge, reasonDecodeFailed, err, fields...)
		return MergeResult{}, newServiceError(opMerge, reasonDecodeFailed, err)
	}

	if guard != nil {
		if err := guard(current, request.Patch); err != nil {
			s.loggerOrDefault().Warn("merge rejected",
				append(fields, zap.String("reason", reasonAdminRequired), zap.Error(err))...)
			return MergeResult{}, newServiceError(opMerge, reasonAdminRequired, err)
		}
	}

	merged := state.ShallowMerge(current, request.Patch)
	encoded, err := merged.Encode()
	if err != nil {
		s.logError(opMerge, reasonEncodeFailed, err, fields...)
		return MergeResult{}, newServiceError(opMerge, reasonEncodeFailed, err)
	}
	if err := s.store.Set(ctx, request.StateKey, encoded); err != nil {
		s.logError(opMerge, reasonWriteFailed, err, fields...)
		return MergeResult{}, newServiceError(opMerge, reasonWriteFailed, err)
	}

	// The document is already written here; a failed increment leaves the counter behind it.
	rev, err := s.store.Incr(ctx, request.RevKey)
	if err != nil {
		s.logError(opMerge, reasonRevisionFailed, err, fields...)
		return MergeResult{}, newServiceError(opMerge, reasonRevisionFailed, err)
	}
	s.notify(request.RevKey, rev)

	s.loggerOrDefault().Debug("state merged",
		append(fields, zap.Int64("rev", rev), zap.Strings("keys", request.Patch.Keys()))...)

	return MergeResult{State: merged, Rev: rev}, nil
}

func guardProtectedKeys(current, patch state.Document) error {
	for _, key := range ProtectedKeys {
		if patch.Has(key) && current.Has(key) {
			return fmt.Errorf("%w: %s", ErrAdminRequired, key)
		}
	}
	return nil
}

func (s *Service) ready(operation, key string) error {
	if s == nil || s.store == nil {
		s.logError(operation, reasonMissingStore, errMissingStore)
		return newServiceError(operation, reasonMissingStore, errMissingStore)
	}
	if strings.TrimSpace(key) == "" {
		return newServiceError(operation, reasonInvalidKey, errMissingKey)
	}
	return nil
}

func (s *Service) notify(key string, rev int64) {
	if s.notifier != nil {
		s.notifier.NotifyRevision(key, rev)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("gateway service error", attrs...)
}
