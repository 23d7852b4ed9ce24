// Package http is the fiber surface over the scheduler and the listing
// store: job management, stored listings, health, and metrics.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"adwatch/internal/browser"
	"adwatch/internal/scheduler"
	"adwatch/internal/store"
)

// JobService is the scheduler surface the handlers call.
type JobService interface {
	Add(ctx context.Context, job store.ScheduledJob) (store.ScheduledJob, error)
	Update(ctx context.Context, id int64, patch store.JobPatch) (store.ScheduledJob, error)
	SetActive(ctx context.Context, id int64, active bool) (store.ScheduledJob, error)
	Delete(ctx context.Context, id int64) error
	RunOnce(ctx context.Context, id int64) (store.ScheduledJob, error)
	Get(id int64) (store.ScheduledJob, error)
	List() []store.ScheduledJob
}

// ListingService is the read surface over stored listings.
type ListingService interface {
	List(ctx context.Context, limit, offset int, f store.ListingFilter) ([]store.Listing, int, error)
	GetByExternalID(ctx context.Context, externalID string) (store.Listing, error)
}

// Pinger is the deep health check against the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	app      *fiber.App
	jobs     JobService
	listings ListingService
	db       Pinger
	pool     browser.Manager
	logger   *zap.Logger
}

func NewServer(jobs JobService, listings ListingService, db Pinger, pool browser.Manager, metricsHandler http.Handler, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "adwatch",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(recover.New())

	s := &Server{app: app, jobs: jobs, listings: listings, db: db, pool: pool, logger: logger}
	s.routes(metricsHandler)
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))

	v1 := s.app.Group("/v1")

	jobs := v1.Group("/scheduler/jobs")
	jobs.Get("/", s.handleListJobs)
	jobs.Post("/", s.handleCreateJob)
	jobs.Get("/:id", s.handleGetJob)
	jobs.Patch("/:id", s.handlePatchJob)
	jobs.Post("/:id/start", s.handleStartJob)
	jobs.Post("/:id/stop", s.handleStopJob)
	jobs.Post("/:id/run", s.handleRunJob)
	jobs.Delete("/:id", s.handleDeleteJob)

	listings := v1.Group("/listings")
	listings.Get("/", s.handleListListings)
	listings.Get("/:external_id", s.handleGetListing)
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if c.QueryBool("deep") {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("deep health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).
				JSON(fiber.Map{"status": "degraded", "database": err.Error()})
		}
		resp["database"] = "ok"
		if s.pool != nil {
			resp["browser"] = s.pool.Metrics()
		}
	}
	return c.JSON(resp)
}

// respondError maps the store/scheduler sentinel errors onto status
// codes.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNameTaken):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrListingNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, scheduler.ErrJobBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
