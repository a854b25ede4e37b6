// Package api exposes the rule management and trigger HTTP API. All rule and
// execution routes are tenant-scoped through the X-Tenant-ID header.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"conductor/config"
	"conductor/core"
	"conductor/engine"
	"conductor/storage"
)

// EngineRunner is the engine surface the API calls.
type EngineRunner interface {
	Handle(ctx context.Context, event *core.TriggerEvent) error
	Trigger(ctx context.Context, tenantID, ruleID string, eventData map[string]interface{}) (*core.Execution, error)
	Test(ctx context.Context, tenantID, ruleID string, testData map[string]interface{}) (*engine.TestResult, error)
}

// CacheInvalidator drops a tenant's cached rule set after a rule write.
type CacheInvalidator interface {
	Invalidate(tenantID string)
}

// API holds the HTTP server and its dependencies.
type API struct {
	router     *mux.Router
	server     *http.Server
	rules      storage.RuleStorageInterface
	executions storage.ExecutionStorageInterface
	engine     EngineRunner
	cache      CacheInvalidator
	config     *config.Config
	logger     *zap.SugaredLogger

	passwordHash []byte

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates the API server and registers its routes.
func NewAPI(rules storage.RuleStorageInterface, executions storage.ExecutionStorageInterface, eng EngineRunner, cache CacheInvalidator, cfg *config.Config, logger *zap.SugaredLogger) (*API, error) {
	a := &API{
		router:       mux.NewRouter(),
		rules:        rules,
		executions:   executions,
		engine:       eng,
		cache:        cache,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	if cfg.Auth.Enabled {
		hash, err := hashPassword(cfg.Auth.Password, cfg.Auth.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash configured password: %w", err)
		}
		a.passwordHash = hash
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a, nil
}

func (a *API) setupRoutes() {
	a.router.Use(a.loggingMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	// Unauthenticated surface.
	a.router.HandleFunc("/health", a.health).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	a.router.HandleFunc("/api/auth/login", a.login).Methods("POST")

	apiRouter := a.router.PathPrefix("/api").Subrouter()
	if a.config.Auth.Enabled {
		apiRouter.Use(a.jwtAuthMiddleware)
	}
	apiRouter.Use(a.tenantMiddleware)

	apiRouter.HandleFunc("/rules", a.listRules).Methods("GET")
	apiRouter.HandleFunc("/rules", a.createRule).Methods("POST")
	apiRouter.HandleFunc("/rules/export", a.exportRules).Methods("GET")
	apiRouter.HandleFunc("/rules/import", a.importRules).Methods("POST")
	apiRouter.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	apiRouter.HandleFunc("/rules/{id}", a.updateRule).Methods("PUT")
	apiRouter.HandleFunc("/rules/{id}", a.deleteRule).Methods("DELETE")
	apiRouter.HandleFunc("/rules/{id}/enable", a.enableRule).Methods("POST")
	apiRouter.HandleFunc("/rules/{id}/disable", a.disableRule).Methods("POST")
	apiRouter.HandleFunc("/rules/{id}/trigger", a.triggerRule).Methods("POST")
	apiRouter.HandleFunc("/rules/{id}/test", a.testRule).Methods("POST")
	apiRouter.HandleFunc("/rules/{id}/executions", a.listRuleExecutions).Methods("GET")
	apiRouter.HandleFunc("/executions", a.listExecutions).Methods("GET")
	apiRouter.HandleFunc("/executions/{id}", a.getExecution).Methods("GET")
	apiRouter.HandleFunc("/events", a.ingestEvent).Methods("POST")
}

// Start runs the HTTP server until the context is cancelled.
func (a *API) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
	}
	a.logger.Infow("API server starting", "addr", addr, "auth_enabled", a.config.Auth.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return a.Stop()
	}
}

// Stop shuts the server down gracefully.
func (a *API) Stop() error {
	close(a.stopCh)
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (a *API) Router() http.Handler {
	return a.router
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, message string, status int) {
	a.respondJSON(w, map[string]string{"error": message}, status)
}
