package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/worksite/internal/config"
	"github.com/smallbiznis/worksite/internal/observability"
	obslogger "github.com/smallbiznis/worksite/internal/observability/logger"
	obstracing "github.com/smallbiznis/worksite/internal/observability/tracing"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
	projectservice "github.com/smallbiznis/worksite/internal/project/service"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	recordservice "github.com/smallbiznis/worksite/internal/recordstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

type Params struct {
	fx.In

	Engine   *gin.Engine
	Registry *projectservice.Registry
	Records  *recordservice.Store
	Hub      *liveupdates.Hub
	Log      *zap.Logger
}

type Server struct {
	engine   *gin.Engine
	registry *projectservice.Registry
	records  recordstore.Store
	hub      *liveupdates.Hub
	log      *zap.Logger

	heartbeat time.Duration
}

func NewServer(p Params) *Server {
	var records recordstore.Store
	if p.Records != nil {
		records = p.Records
	}
	return New(p.Engine, p.Registry, records, p.Hub, p.Log)
}

// New builds a server on engine. records backs the record store routes
// and may be nil, in which case those routes are not registered.
func New(engine *gin.Engine, registry *projectservice.Registry, records recordstore.Store, hub *liveupdates.Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:    engine,
		registry:  registry,
		records:   records,
		hub:       hub,
		log:       log.Named("http.server"),
		heartbeat: 15 * time.Second,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	projects := s.engine.Group("/projects/:projectID")
	projects.GET("/timeline", s.GetTimeline)
	projects.GET("/summary", s.GetSummary)
	projects.POST("/refresh", s.RefreshProject)
	projects.GET("/updates", s.StreamProjectUpdates)
	projects.GET("/events/:eventID/link", s.GetDocumentLink)
	projects.POST("/quotes/:quoteID/actions/:action", s.ApplyQuoteAction)
	projects.POST("/payments", s.CreatePayment)
	projects.PATCH("/payments/:paymentID", s.UpdatePayment)
	projects.DELETE("/payments/:paymentID", s.DeletePayment)

	if s.records == nil {
		return
	}
	s.engine.POST("/projects", s.CreateProjectRecord)
	projects.GET("/records/:kind", s.ListRecords)
	projects.POST("/records/:kind", s.CreateRecord)

	records := s.engine.Group("/records/:kind/:recordID")
	records.GET("", s.GetRecord)
	records.PATCH("", s.PatchRecord)
	records.DELETE("", s.DeleteRecord)
}

func registerRoutes(s *Server) {
	s.RegisterRoutes()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
