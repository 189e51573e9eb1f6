package http

import (
	"context"
	"net/http"
	"time"

	"chainvault/internal/config"
	"chainvault/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// VaultService is the coordinator surface exposed over HTTP.
type VaultService interface {
	ExecuteVaultOperation(ctx context.Context, vaultID string, primary domain.ChainID, payload domain.OperationPayload) (domain.OperationHandle, error)
	VerifyTripleChainConsistency(ctx context.Context, vaultID, operationID string) (domain.ConsistencyVerdict, error)
	RecoverChainConsistency(ctx context.Context, vaultID, operationID string, sourceOfTruth domain.ChainID) (domain.RecoveryResult, error)
	InitiateEmergencyRecovery(ctx context.Context, vaultID, reason string) (domain.EmergencyRecoveryResult, error)
	GetVaultSecurityStatus(ctx context.Context, vaultID string) (domain.VaultSecurityStatus, error)
	GetOperation(ctx context.Context, vaultID, operationID string) (*domain.Operation, error)
	Receipts(ctx context.Context, vaultID, operationID string) ([]domain.ChainReceipt, error)
	AwaitOutcome(ctx context.Context, vaultID, operationID string) (domain.OperationOutcome, error)
}

type Server struct {
	cfg     config.Config
	r       *gin.Engine
	vaults  VaultService
	metrics http.Handler
	logger  logrus.FieldLogger

	rateLimiter         domain.RateLimiter
	rateLimitRules      map[domain.RateLimitScope]domain.RateLimitRule
	rateLimitFailClosed bool

	maxAwait time.Duration
}

type ServerDeps struct {
	Vaults      VaultService
	Metrics     http.Handler
	RateLimiter domain.RateLimiter
	Logger      logrus.FieldLogger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		r:        r,
		vaults:   deps.Vaults,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		maxAwait: 30 * time.Second,
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initRateLimit(limiter domain.RateLimiter) {
	s.rateLimiter = limiter
	s.rateLimitRules = s.cfg.RateLimitRules()
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "registry": s.cfg.RegistryBackend})
	})
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.r.Group("/v1")
	{
		v1.POST("/vaults", s.limit(domain.ScopeVaultOperation), s.handleCreateVault)
		v1.POST("/vaults/:vault_id/operations", s.limit(domain.ScopeVaultOperation), s.handleExecuteOperation)
		v1.GET("/vaults/:vault_id/operations/:operation_id", s.limit(domain.ScopeVaultRead), s.handleGetOperation)
		v1.GET("/vaults/:vault_id/operations/:operation_id/consistency", s.limit(domain.ScopeVaultRead), s.handleConsistency)
		v1.GET("/vaults/:vault_id/operations/:operation_id/outcome", s.limit(domain.ScopeVaultRead), s.handleOutcome)
		v1.POST("/vaults/:vault_id/operations/:operation_id/recover", s.limit(domain.ScopeRecovery), s.handleRecover)
		v1.POST("/vaults/:vault_id/emergency-recovery", s.limit(domain.ScopeRecovery), s.handleEmergencyRecovery)
		v1.GET("/vaults/:vault_id/security-status", s.limit(domain.ScopeVaultRead), s.handleSecurityStatus)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.WithField("addr", s.cfg.HTTPAddr).Info("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
