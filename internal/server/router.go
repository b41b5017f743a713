package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/catalog"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/purchase"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	accountContextKey        = "marketplace_account"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingCatalog       = errors.New("catalog view dependency required")
	errMissingOwners        = errors.New("owner view dependency required")
	errMissingHistory       = errors.New("history view dependency required")
	errMissingSynchronizer  = errors.New("synchronizer dependency required")
	errMissingPurchases     = errors.New("purchase orchestrator dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type CatalogReader interface {
	Get(ctx context.Context) (catalog.CatalogSnapshot, error)
	Rebuild(ctx context.Context) (catalog.CatalogSnapshot, error)
}

type OwnerReader interface {
	Get(ctx context.Context, account market.Account) (catalog.OwnerSnapshot, error)
}

type HistoryReader interface {
	Build(ctx context.Context, buyer market.Account) (catalog.HistorySnapshot, error)
}

type Resyncer interface {
	Resync(ctx context.Context, trigger catalog.Trigger) (catalog.CatalogSnapshot, error)
}

type Purchaser interface {
	Purchase(ctx context.Context, buyer market.Account, itemID market.ItemID) (purchase.Attempt, error)
	PurchaseWithValue(ctx context.Context, buyer market.Account, itemID market.ItemID, value market.Wei) (purchase.Attempt, error)
}

type SessionTokenManager interface {
	ValidateToken(token string) (market.Account, error)
}

type Dependencies struct {
	Catalog           CatalogReader
	Owners            OwnerReader
	History           HistoryReader
	Synchronizer      Resyncer
	Purchases         Purchaser
	TokenManager      SessionTokenManager
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Owners == nil:
		return nil, errMissingOwners
	case deps.History == nil:
		return nil, errMissingHistory
	case deps.Synchronizer == nil:
		return nil, errMissingSynchronizer
	case deps.Purchases == nil:
		return nil, errMissingPurchases
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		catalog:      deps.Catalog,
		owners:       deps.Owners,
		history:      deps.History,
		synchronizer: deps.Synchronizer,
		purchases:    deps.Purchases,
		tokens:       deps.TokenManager,
		realtime:     realtime,
		logger:       logger,
		heartbeat:    heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.GET("/catalog", handler.handleCatalog)
	router.POST("/sync", handler.handleSync)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me/listings", handler.handleListings)
	protected.GET("/me/purchases", handler.handlePurchaseHistory)
	protected.POST("/purchases", handler.handlePurchase)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	catalog      CatalogReader
	owners       OwnerReader
	history      HistoryReader
	synchronizer Resyncer
	purchases    Purchaser
	tokens       SessionTokenManager
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
	heartbeat    time.Duration
}

type syncRequestPayload struct {
	Trigger string `json:"trigger"`
}

type purchaseRequestPayload struct {
	ItemID uint64      `json:"item_id"`
	Value  *market.Wei `json:"value"`
}

type purchaseResponsePayload struct {
	Attempt purchase.Attempt `json:"attempt"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCatalog(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	var (
		snapshot catalog.CatalogSnapshot
		err      error
	)
	if refresh {
		snapshot, err = h.catalog.Rebuild(c.Request.Context())
	} else {
		snapshot, err = h.catalog.Get(c.Request.Context())
	}
	if err != nil {
		h.respondError(c, "catalog.load", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "catalog.resync.invalid_request"})
		return
	}
	trigger, err := catalog.ParseTrigger(request.Trigger)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_trigger", "code": "catalog.resync.invalid_trigger"})
		return
	}
	snapshot, err := h.synchronizer.Resync(c.Request.Context(), trigger)
	if err != nil {
		h.respondError(c, "catalog.resync", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleListings(c *gin.Context) {
	account, ok := h.requestAccount(c)
	if !ok {
		return
	}
	snapshot, err := h.owners.Get(c.Request.Context(), account)
	if err != nil {
		h.respondError(c, "catalog.owner_listings", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handlePurchaseHistory(c *gin.Context) {
	account, ok := h.requestAccount(c)
	if !ok {
		return
	}
	snapshot, err := h.history.Build(c.Request.Context(), account)
	if err != nil {
		h.respondError(c, "catalog.purchase_history", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handlePurchase(c *gin.Context) {
	account, ok := h.requestAccount(c)
	if !ok {
		return
	}
	var request purchaseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "purchase.submit.invalid_request"})
		return
	}
	itemID, err := market.NewItemID(request.ItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item", "code": "purchase.submit.invalid_item"})
		return
	}

	var attempt purchase.Attempt
	if request.Value != nil {
		attempt, err = h.purchases.PurchaseWithValue(c.Request.Context(), account, itemID, *request.Value)
	} else {
		attempt, err = h.purchases.Purchase(c.Request.Context(), account, itemID)
	}
	if err != nil {
		status, reason, code := classifyError("purchase.submit", err)
		h.logFailure(status, "purchase.submit", reason, err)
		c.JSON(status, purchaseResponsePayload{Attempt: attempt, Error: reason, Code: code})
		return
	}
	c.JSON(http.StatusOK, purchaseResponsePayload{Attempt: attempt})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	account, ok := h.requestAccount(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, account)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	account, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the access_token query parameter because
// browser EventSource clients cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query("access_token"))
	return token, token != ""
}

func (h *httpHandler) requestAccount(c *gin.Context) (market.Account, bool) {
	value, exists := c.Get(accountContextKey)
	account, ok := value.(market.Account)
	if !exists || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return market.Account{}, false
	}
	return account, true
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, reason, code := classifyError(operation, err)
	h.logFailure(status, operation, reason, err)
	c.JSON(status, gin.H{"error": reason, "code": code})
}

func (h *httpHandler) logFailure(status int, operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
		return
	}
	h.logger.Warn("request failed", fields...)
}

// classifyError maps an error to an HTTP status, a short reason and a stable code.
func classifyError(operation string, err error) (int, string, string) {
	code := ""
	var serviceErr *market.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	withDefault := func(reason string) string {
		if code != "" {
			return code
		}
		return operation + "." + reason
	}

	var (
		writeErr *market.LedgerWriteError
		readErr  *market.LedgerReadError
		fetchErr *market.MetadataFetchError
	)
	switch {
	case errors.As(err, &writeErr) && writeErr.OutcomeUnknown():
		return http.StatusGatewayTimeout, "outcome_unknown", withDefault("unconfirmed")
	case errors.As(err, &writeErr):
		reason := writeErr.Reason
		if reason == "" {
			reason = "transaction_failed"
		}
		return http.StatusConflict, reason, withDefault("rejected")
	case errors.As(err, &readErr):
		return http.StatusBadGateway, "ledger_unavailable", withDefault("ledger_read_failed")
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, "metadata_unavailable", withDefault("metadata_fetch_failed")
	case errors.Is(err, market.ErrInvalidItemID), errors.Is(err, market.ErrInvalidAccount), errors.Is(err, catalog.ErrUnknownTrigger):
		return http.StatusBadRequest, "invalid_request", withDefault("invalid_request")
	case errors.Is(err, purchase.ErrUnknownSigner):
		return http.StatusForbidden, "signer_unavailable", withDefault("unknown_signer")
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", withDefault("timeout")
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled", withDefault("cancelled")
	default:
		return http.StatusInternalServerError, "internal_error", withDefault("internal_error")
	}
}
