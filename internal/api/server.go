// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/ledger"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

type LedgerService interface {
	Award(ctx context.Context, req ledger.AwardRequest) (ledger.AwardResult, error)
	Reverse(ctx context.Context, userID string, originalID int64) (models.LedgerEntry, error)
	FlagEvidence(ctx context.Context, entryID int64, status models.EvidenceStatus) (models.FlagEvent, error)
	Entry(ctx context.Context, entryID int64) (ledger.EntryView, error)
	History(ctx context.Context, userID string, domain *string, page models.Page) (ledger.HistoryPage, error)
	Export(ctx context.Context, filter models.EntryFilter, format ledger.ExportFormat, w io.Writer) error
}

// ScoreReader serves balances and trust, usually through the derived cache.
type ScoreReader interface {
	Balance(ctx context.Context, userID string, domain *string) (int64, error)
	Trust(ctx context.Context, userID string, domain *string) (aggregate.TrustResult, error)
}

type Rankings interface {
	Leaderboard(ctx context.Context, q aggregate.LeaderboardQuery) ([]models.UserScore, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type VerificationRecorder interface {
	Record(ctx context.Context, userID string, source models.VerificationSource, level int) (models.Verification, error)
}

type DisputeService interface {
	Open(ctx context.Context, entryID int64, openedBy, reason string) (models.Dispute, error)
	Resolve(ctx context.Context, id int64, resolvedBy string, resolution models.DisputeStatus, note *string) (models.Dispute, error)
	Get(ctx context.Context, id int64) (models.Dispute, error)
	List(ctx context.Context, status *models.DisputeStatus, page models.Page) ([]models.Dispute, error)
}

// Services are the components behind the HTTP surface.
type Services struct {
	Ledger        LedgerService
	Scores        ScoreReader
	Rankings      Rankings
	Verifications VerificationRecorder
	Disputes      DisputeService
}

type Server struct {
	svc      Services
	identity IdentityResolver
	limiter  *clientLimiter
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	service  string
}

type Option func(*Server)

func WithIdentity(r IdentityResolver) Option { return func(s *Server) { s.identity = r } }

// WithRateLimit allows perSecond requests per client with the given burst.
// Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newClientLimiter(perSecond, burst)
		}
	}
}

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithServiceName names the service in trace spans.
func WithServiceName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.service = name
		}
	}
}

func New(svc Services, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		identity: HeaderIdentity{},
		logger:   slog.Default(),
		service:  "karma-ledger",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(s.service), s.observe())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/")
	if s.limiter != nil {
		api.Use(rateLimit(s.limiter))
	}
	authed := api.Group("/", requireIdentity(s.identity))

	authed.POST("/karma/award", s.award)
	authed.POST("/karma/reverse", s.reverse)
	authed.POST("/karma/flag", s.flag)
	authed.POST("/verification", s.recordVerification)
	authed.POST("/disputes", s.openDispute)
	authed.POST("/disputes/:id/resolve", s.resolveDispute)

	api.GET("/balances/:user", s.balance)
	api.GET("/trust/:user", s.trust)
	api.GET("/leaderboard", s.leaderboard)
	api.GET("/ledger/export", s.export)
	api.GET("/ledger/:user", s.history)
	api.GET("/entries/:id", s.entry)
	api.GET("/disputes", s.listDisputes)
	api.GET("/disputes/:id", s.getDispute)
	api.GET("/stats", s.stats)

	return r
}

// observe logs each request and records route metrics. Routes are labelled
// by pattern to keep label cardinality bounded.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		attrs := []any{"method", c.Request.Method, "route", route, "status", status, "duration", elapsed}
		switch {
		case status >= 500:
			s.logger.Error("request failed", append(attrs, "error", c.Errors.String())...)
		case len(c.Errors) > 0:
			s.logger.Info("request rejected", append(attrs, "error", c.Errors.String())...)
		default:
			s.logger.Debug("request", attrs...)
		}
	}
}
