package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/apiserver/handlers"
	"github.com/gpulease/gpulease/pkg/apiserver/middleware"
	"github.com/gpulease/gpulease/pkg/config"
)

type Server struct {
	router *gin.Engine
	leaser handlers.Leaser
	tokens middleware.TokenValidator
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(leaser handlers.Leaser, tokens middleware.TokenValidator, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		leaser: leaser,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		leaseHandler := handlers.NewLeaseHandler(s.leaser, s.logger)
		api.POST("/models/:org/:name/lease", leaseHandler.Lease)

		capacityHandler := handlers.NewCapacityHandler(s.leaser, s.logger)
		api.GET("/capacity", capacityHandler.Get)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
