// Package webapi exposes the HTTP front door: health, the Telegram webhook
// sink, and the external tick trigger used in stateless deployments.
package webapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/Mahdi-Habibi/pocket-crypto/scheduler"
	"github.com/gin-gonic/gin"
	tb "gopkg.in/tucnak/telebot.v2"
)

const tickTimeout = 50 * time.Second

// UpdateSink receives decoded Telegram updates.
type UpdateSink interface {
	ProcessUpdate(update tb.Update)
}

// Ticker runs one pass of the delivery loop.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.TickStats, error)
}

// Server is the gin HTTP server.
type Server struct {
	router *gin.Engine
	log    logger.Logger

	webhookPath string
	tickSecret  string
}

// NewServer builds the router. The webhook route is only registered when sink
// is non-nil; polling deployments skip it.
func NewServer(sink UpdateSink, ticker Ticker, webhookPath, tickSecret string, log logger.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:      router,
		log:         log,
		webhookPath: webhookPath,
		tickSecret:  tickSecret,
	}

	router.GET("/healthz", s.health)
	router.POST("/api/tick", s.tick(ticker))
	if sink != nil {
		router.POST(webhookPath, s.webhook(sink))
	}

	return s
}

// Run blocks serving HTTP on the given port.
func (s *Server) Run(port int) error {
	return s.router.Run(fmt.Sprintf(":%d", port))
}

// Handler exposes the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhook decodes a Telegram update and hands it to the bot. Telegram only
// cares about the status code, so errors answer 400 with no body details.
func (s *Server) webhook(sink UpdateSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		var update tb.Update
		if err := c.ShouldBindJSON(&update); err != nil {
			s.log.WithError(err).Warn("malformed webhook payload")
			c.Status(http.StatusBadRequest)
			return
		}

		sink.ProcessUpdate(update)
		c.Status(http.StatusOK)
	}
}

// tick runs one delivery pass. External cron services drive this endpoint
// when no in-process scheduler is running.
func (s *Server) tick(ticker Ticker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid tick secret"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), tickTimeout)
		defer cancel()

		stats, err := ticker.Tick(ctx)
		if err != nil {
			s.log.WithError(err).Error("tick failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "tick failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"due":       stats.Due,
			"fired":     stats.Fired,
			"failed":    stats.Failed,
			"skipped":   stats.Skipped,
			"contended": stats.Contended,
		})
	}
}

func (s *Server) authorized(c *gin.Context) bool {
	if s.tickSecret == "" {
		return true
	}
	provided := c.GetHeader("X-Tick-Secret")
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.tickSecret)) == 1
}
