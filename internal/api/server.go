// Package api exposes a small read-only diagnostics HTTP API on the device,
// bound to localhost by default.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"
)

// Deps are the read-only views the API serves. Funcs keep the server
// decoupled from the components that own the state.
type Deps struct {
	DeviceID     string
	DeviceName   string
	DeviceStatus func() string
	ChannelState func() string
	Sessions     func() map[string]string
}

type Server struct {
	srv *http.Server
	log logging.LeveledLogger
}

func New(addr, environment string, allowedOrigins []string, deps Deps, lf logging.LoggerFactory) *Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"deviceId": deps.DeviceID,
			"name":     deps.DeviceName,
			"status":   deps.DeviceStatus(),
			"channel":  deps.ChannelState(),
		})
	})

	router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Sessions())
	})

	return &Server{
		srv: &http.Server{Addr: addr, Handler: router},
		log: lf.NewLogger("api"),
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	s.log.Infof("diagnostics API on %s", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("serve: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
