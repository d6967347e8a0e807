// Package api serves the dashboard and operator control endpoints.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spotbot/internal/control"
	"spotbot/internal/executor"
	"spotbot/internal/ledger"
	"spotbot/internal/monitor"
	"spotbot/internal/risk"
	"spotbot/internal/stream"
	"spotbot/pkg/config"
	"spotbot/pkg/db"
)

// Server wires the HTTP surface around the bot's components.
type Server struct {
	Router *gin.Engine

	cfg      *config.Config
	store    *ledger.Store
	database *db.Database
	flags    *control.Flags
	runner   *stream.Runner
	engine   *executor.Engine
	governor *risk.Governor
	metrics  *monitor.Metrics

	httpSrv *http.Server
}

func NewServer(cfg *config.Config, store *ledger.Store, database *db.Database, flags *control.Flags,
	runner *stream.Runner, engine *executor.Engine, governor *risk.Governor, metrics *monitor.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:   r,
		cfg:      cfg,
		store:    store,
		database: database,
		flags:    flags,
		runner:   runner,
		engine:   engine,
		governor: governor,
		metrics:  metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	apiGroup := s.Router.Group("/api")
	{
		apiGroup.GET("/state", s.state)
		apiGroup.GET("/trades", s.trades)
		apiGroup.GET("/positions", s.positions)
	}

	ctl := s.Router.Group("/api/control", AuthMiddleware(s.cfg.JWTSecret))
	{
		ctl.POST("/pause", s.pause)
		ctl.POST("/resume", s.resume)
		ctl.PUT("/timeframe", s.setTimeframe)
	}
}

// Start serves in the background. Shutdown stops it.
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[api] listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	st := s.store.Snapshot()
	var tickAge float64
	if st.LastTick > 0 {
		tickAge = time.Since(time.Unix(st.LastTick, 0)).Seconds()
	}
	// Simulate mode has no stream runner.
	streamState := "simulated"
	timeframe := s.cfg.Timeframe
	if s.runner != nil {
		streamState = s.runner.State()
		timeframe = s.runner.Timeframe()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"mode":              s.cfg.Mode,
		"stream":            streamState,
		"timeframe":         timeframe,
		"paused":            s.flags.Paused(),
		"last_tick_age_sec": tickAge,
	})
}

func (s *Server) state(c *gin.Context) {
	st := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state": st,
		"risk":  s.governor.Snapshot(),
	})
}

func (s *Server) trades(c *gin.Context) {
	trades, err := s.database.RecentTrades(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) positions(c *gin.Context) {
	positions := []executor.Position{}
	if s.engine != nil {
		positions = s.engine.Positions()
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) pause(c *gin.Context) {
	if err := s.flags.SetPaused(true); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[api] trading paused by %s", c.GetString("Operator"))
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resume(c *gin.Context) {
	if err := s.flags.SetPaused(false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[api] trading resumed by %s", c.GetString("Operator"))
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) setTimeframe(c *gin.Context) {
	var req struct {
		Timeframe string `json:"timeframe" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeframe is required"})
		return
	}
	if err := s.flags.SetTimeframe(req.Timeframe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[api] timeframe set to %s by %s", req.Timeframe, c.GetString("Operator"))
	c.JSON(http.StatusOK, gin.H{"timeframe": req.Timeframe})
}
