package metrics

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlweave/loom/log"
)

// Server serves /healthz, /status and /metrics for one rank process.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, t *Training) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, t.Snapshot())
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(t.Registry(), promhttp.HandlerOpts{})))
	return &Server{srv: &http.Server{Addr: addr, Handler: r}}
}

// Start listens in the background. Serve errors other than a clean close
// are logged, not fatal: telemetry must never take down a run.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
