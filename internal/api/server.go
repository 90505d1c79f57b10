// Package api serves the dashboard: a JSON REST surface over accounts, login
// sessions, publish requests and scheduled jobs, plus a websocket live
// channel fed from the event bus.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/platform"
	"geopub/internal/publish"
	"geopub/internal/task/scheduler"
	logx "geopub/pkg/logx"
)

// AuthService is implemented by *auth.Manager.
type AuthService interface {
	StartLogin(ctx context.Context, accountID int64) (string, error)
	StartLoginByName(ctx context.Context, platformID, name string) (string, int64, error)
	Status(ctx context.Context, taskID string) (model.AuthSession, error)
	Cancel(ctx context.Context, taskID string) (model.AuthSession, error)
	Confirm(ctx context.Context, taskID string) (model.AuthSession, error)
	UpdateProfile(ctx context.Context, id int64, p model.AccountPatch) (model.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
}

// PublishService is implemented by *publish.Scheduler.
type PublishService interface {
	Submit(ctx context.Context, in publish.SubmitRequest) (string, []model.PublishTask, error)
	Status(ctx context.Context, requestID string) (model.PublishRecord, error)
	Task(ctx context.Context, taskID string) (model.PublishTask, error)
	Requests(ctx context.Context, limit int) ([]model.PublishRequest, error)
	Cancel(ctx context.Context, requestID string) (model.PublishRecord, error)
}

// AccountChecker is implemented by *accountcheck.Runner.
type AccountChecker interface {
	Run(ctx context.Context) (model.AccountCheckSummary, error)
	Last() (model.AccountCheckSummary, bool)
	Running() bool
}

// JobScheduler is implemented by *scheduler.Service.
type JobScheduler interface {
	Jobs() []scheduler.JobInfo
	StartManual(ctx context.Context)
	Stop(ctx context.Context)
	Running() bool
}

type AccountLister interface {
	List(ctx context.Context) ([]model.Account, error)
	Get(ctx context.Context, id int64) (model.Account, error)
}

type PlatformCatalogue interface {
	List() []platform.Config
}

type Deps struct {
	Accounts  AccountLister
	Auth      AuthService
	Publish   PublishService
	Checker   AccountChecker
	Jobs      JobScheduler
	Platforms PlatformCatalogue
	Bus       eventbus.Bus
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health reports component state for /healthz. ok=false answers 503.
	Health func() (detail any, ok bool)
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// WSBuffer is the per-client event buffer of the live channel.
	WSBuffer int
	// Mode is the gin mode; empty leaves the current one.
	Mode string
	// Pprof mounts /debug/pprof, guarded by PprofToken when set.
	Pprof      bool
	PprofToken string
}

type Server struct {
	cfg      Config
	d        Deps
	log      logx.Logger
	ctx      context.Context
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router. ctx bounds work started by handlers that outlives
// the request, such as asynchronous account checks.
func New(ctx context.Context, cfg Config, d Deps, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.WSBuffer <= 0 {
		cfg.WSBuffer = 64
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{
		cfg: cfg,
		d:   d,
		log: log.With(logx.String("comp", "api")),
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard may be served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.log))
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/healthz", s.handleHealthz)
	if s.d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.d.Metrics))
	}
	r.GET("/ws", s.handleWS)
	if s.cfg.Pprof {
		s.registerPprof()
	}

	api := r.Group("/api")

	acc := api.Group("/accounts")
	acc.GET("", s.handleListAccounts)
	acc.GET("/:id", s.handleGetAccount)
	acc.PUT("/:id", s.handleUpdateAccount)
	acc.DELETE("/:id", s.handleDeleteAccount)
	acc.POST("/auth/start", s.handleAuthStart)
	acc.GET("/auth/status/:taskId", s.handleAuthStatus)
	acc.POST("/auth/cancel/:taskId", s.handleAuthCancel)
	acc.POST("/auth/confirm/:taskId", s.handleAuthConfirm)
	acc.POST("/check/all", s.handleCheckAll)
	acc.GET("/check/last", s.handleCheckLast)

	pub := api.Group("/publish")
	pub.POST("", s.handleSubmit)
	pub.GET("", s.handleListRequests)
	pub.GET("/tasks/:taskId", s.handlePublishTask)
	pub.GET("/:requestId", s.handlePublishStatus)
	pub.POST("/:requestId/cancel", s.handlePublishCancel)

	api.GET("/platforms", s.handlePlatforms)

	sch := api.Group("/scheduler")
	sch.GET("/jobs", s.handleJobs)
	sch.POST("/start", s.handleSchedulerStart)
	sch.POST("/stop", s.handleSchedulerStop)
}

// Run serves until ctx ends, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", logx.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.d.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	detail, healthy := s.d.Health()
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "detail": detail})
}
