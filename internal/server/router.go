package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coralclub/tents/internal/auth"
	"github.com/coralclub/tents/internal/gateway"
	"github.com/coralclub/tents/internal/state"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const adminContextKey = "coralclub_admin"

const (
	errorInvalidRequest = "invalid_request"
	errorUnauthorized   = "unauthorized"
	errorInvalidPIN     = "invalid_pin"
	errorAdminRequired  = "admin_required"
	errorTokenIssue     = "token_issue_failed"
)

var (
	errMissingGateway       = errors.New("gateway service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDispatcher    = errors.New("revision dispatcher dependency required")
	errMissingStateKey      = errors.New("state key required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// AdminTokenManager issues and validates admin session tokens.
type AdminTokenManager interface {
	IssueAdminToken(ctx context.Context) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Gateway           *gateway.Service
	TokenManager      AdminTokenManager
	Dispatcher        *RevisionDispatcher
	StateKey          string
	DefaultAdminPIN   string
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if strings.TrimSpace(deps.StateKey) == "" {
		return nil, errMissingStateKey
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(newRateLimiter(deps.RateLimit).middleware())
	router.NoMethod(func(c *gin.Context) {
		c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	handler := &httpHandler{
		gateway:         deps.Gateway,
		tokens:          deps.TokenManager,
		dispatcher:      deps.Dispatcher,
		stateKey:        deps.StateKey,
		defaultAdminPIN: deps.DefaultAdminPIN,
		heartbeat:       heartbeat,
		logger:          logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/admin/session", handler.handleAdminSession)
	router.GET("/kv-events", handler.handleRevisionEvents)

	open := router.Group("/")
	open.Use(handler.identifyAdmin)
	open.GET("/kv-get", handler.handleGet)
	open.POST("/kv-incr", handler.handleIncr)
	open.POST("/kv-merge", handler.handleMerge)

	protected := router.Group("/")
	protected.Use(handler.authorizeAdmin)
	protected.POST("/kv-set", handler.handleSet)

	return router, nil
}

type httpHandler struct {
	gateway         *gateway.Service
	tokens          AdminTokenManager
	dispatcher      *RevisionDispatcher
	stateKey        string
	defaultAdminPIN string
	heartbeat       time.Duration
	logger          *zap.Logger
}

type setRequestPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type incrRequestPayload struct {
	Key string `json:"key"`
}

type mergeRequestPayload struct {
	StateKey string          `json:"stateKey"`
	Patch    json.RawMessage `json:"patch"`
	RevKey   string          `json:"revKey"`
}

type sessionRequestPayload struct {
	PIN string `json:"pin"`
}

type sessionResponsePayload struct {
	OK        bool   `json:"ok"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	TokenType string `json:"tokenType"`
}

type revisionEventPayload struct {
	Key string `json:"key"`
	Rev int64  `json:"rev"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		respondInvalidRequest(c)
		return
	}
	value, err := h.gateway.Get(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if key == h.stateKey && !c.GetBool(adminContextKey) && value != nil {
		value, err = redactStateValue(value)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": value})
}

func (h *httpHandler) handleSet(c *gin.Context) {
	var request setRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Key) == "" || len(request.Value) == 0 {
		respondInvalidRequest(c)
		return
	}
	value, err := h.gateway.Set(c.Request.Context(), request.Key, request.Value)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": value})
}

func (h *httpHandler) handleIncr(c *gin.Context) {
	var request incrRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Key) == "" {
		respondInvalidRequest(c)
		return
	}
	rev, err := h.gateway.Incr(c.Request.Context(), request.Key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": rev})
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.StateKey) == "" ||
		strings.TrimSpace(request.RevKey) == "" {
		respondInvalidRequest(c)
		return
	}
	trimmed := bytes.TrimSpace(request.Patch)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		respondInvalidRequest(c)
		return
	}
	patch, err := state.DecodeDocument(trimmed)
	if err != nil {
		respondInvalidRequest(c)
		return
	}

	result, err := h.gateway.MergeGuarded(c.Request.Context(), gateway.MergeRequest{
		StateKey: request.StateKey,
		RevKey:   request.RevKey,
		Patch:    patch,
		Admin:    c.GetBool(adminContextKey),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	document := result.State
	if request.StateKey == h.stateKey && !c.GetBool(adminContextKey) {
		if document, err = redactState(document); err != nil {
			h.respondError(c, err)
			return
		}
	}
	encoded, err := document.Encode()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": encoded, "rev": result.Rev})
}

// redactState withholds the admin credential from anonymous readers of the shared document.
func redactState(document state.Document) (state.Document, error) {
	if !document.Has(state.KeySecurity) {
		return document, nil
	}
	redacted := document.Clone()
	if err := redacted.Put(state.KeySecurity, state.Security{Redacted: true}); err != nil {
		return nil, err
	}
	return redacted, nil
}

func redactStateValue(value json.RawMessage) (json.RawMessage, error) {
	document, err := state.DecodeDocument(value)
	if err != nil {
		// Not a document; nothing to withhold.
		return value, nil
	}
	redacted, err := redactState(document)
	if err != nil {
		return nil, err
	}
	return redacted.Encode()
}

func (h *httpHandler) handleAdminSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PIN) == "" {
		respondInvalidRequest(c)
		return
	}

	raw, err := h.gateway.Get(c.Request.Context(), h.stateKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var security state.Security
	if document, decodeErr := state.DecodeDocument(raw); decodeErr == nil {
		if _, fieldErr := document.DecodeField(state.KeySecurity, &security); fieldErr != nil {
			h.logger.Warn("stored security record is unreadable", zap.Error(fieldErr))
		}
	}

	if err := auth.VerifyPIN(security, h.defaultAdminPIN, request.PIN); err != nil {
		h.logger.Warn("admin pin rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errorInvalidPIN})
		return
	}

	token, expiresIn, err := h.tokens.IssueAdminToken(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to issue admin token", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": errorTokenIssue})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		OK:        true,
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
	})
}

func (h *httpHandler) handleRevisionEvents(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		respondInvalidRequest(c)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, key)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	if rev, ok := h.currentRevision(ctx, key); ok {
		c.SSEvent(RealtimeEventRevision, revisionEventPayload{Key: key, Rev: rev})
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(RealtimeEventRevision, revisionEventPayload{Key: event.Key, Rev: event.Rev})
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": %s\n\n", realtimeHeartbeat); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) currentRevision(ctx context.Context, key string) (int64, bool) {
	value, err := h.gateway.Get(ctx, key)
	if err != nil || value == nil {
		return 0, false
	}
	rev, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(string(value)), `"`), 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}

// identifyAdmin marks requests carrying a valid admin token. Requests without a token pass
// through as anonymous; a token that fails validation is rejected.
func (h *httpHandler) identifyAdmin(c *gin.Context) {
	if c.GetHeader("Authorization") == "" {
		c.Next()
		return
	}
	h.authorizeAdmin(c)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errInvalidAuthorization.Error()})
		return
	}
	if _, err := h.tokens.ValidateToken(token); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errorUnauthorized})
		return
	}
	c.Set(adminContextKey, true)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	if errors.Is(err, gateway.ErrAdminRequired) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errorAdminRequired})
		return
	}
	var serviceErr *gateway.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": serviceErr.Code()})
		return
	}
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
}

func respondInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": false, "error": errorInvalidRequest})
}
