package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/state"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

const headerRequestID = "X-Request-Id"

var errUnknownAction = errors.New("unknown operation")

type navigateRequest struct {
	Route   string `json:"route" binding:"required"`
	Replace bool   `json:"replace"`
}

type actionRequest struct {
	Number string `json:"number"`
	Tone   string `json:"tone"`
	To     string `json:"to"`
	Text   string `json:"text"`
	Route  string `json:"route"`
}

// requestLogger пишет сводку запроса в структурированный лог
func requestLogger(log logger.StructuredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logger.Field{
			logger.String("request_id", rid),
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			log.Error(c.Request.Context(), "HTTP request failed", append(fields, logger.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug(c.Request.Context(), "HTTP request", fields...)
	}
}

// newRouter отладочный HTTP интерфейс симулятора
func newRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(a.log.WithComponent("http")))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"lifecycle":   a.manager.Lifecycle(),
			"provider":    a.manager.Shim().Name(),
			"initialized": a.manager.Initialized(),
		})
	})

	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.state.Snapshot())
	})

	r.GET("/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": a.state.Snapshot().Events})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	r.POST("/navigate", func(c *gin.Context) {
		var req navigateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		accepted := a.state.ManualNavigate(req.Route, req.Replace)
		c.JSON(http.StatusOK, gin.H{
			"accepted": accepted,
			"route":    state.ResolveRoute(req.Route),
			"current":  a.state.Snapshot().Navigation.CurrentRoute,
		})
	})

	r.POST("/actions/:op", func(c *gin.Context) {
		var req actionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		op := c.Param("op")
		err := runAction(c.Request.Context(), a, op, req)
		if errors.Is(err, errUnknownAction) {
			c.JSON(http.StatusNotFound, gin.H{"operation": op, "error": err.Error()})
			return
		}
		if err != nil {
			ne := voiperr.Normalize(err)
			c.JSON(actionStatus(ne), gin.H{"operation": op, "error": ne})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operation": op, "ok": true})
	})

	r.POST("/simulate/incoming", func(c *gin.Context) {
		shim, ok := a.mockShim()
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "incoming call simulation requires the mock shim"})
			return
		}
		var req actionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if err := shim.SimulateIncoming(c.Request.Context(), req.Number); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": voiperr.Normalize(err)})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})

	return r
}

// runAction выполняет операцию менеджера по имени
func runAction(ctx context.Context, a *app, op string, req actionRequest) error {
	m := a.manager
	switch op {
	case "register":
		return m.Register(ctx)
	case "unregister":
		return m.Unregister(ctx)
	case "dial":
		return m.Dial(ctx, req.Number)
	case "hangup":
		return m.Hangup(ctx)
	case "answer":
		return m.Answer(ctx)
	case "dtmf":
		return m.SendDTMF(ctx, req.Tone)
	case "message":
		return m.SendMessage(ctx, req.To, req.Text)
	case "audio-route":
		return m.SetAudioRoute(ctx, events.AudioRoute(req.Route))
	}
	return errUnknownAction
}

func actionStatus(err *voiperr.NormalizedError) int {
	switch err.Code {
	case voiperr.CodeInvalidConfig, voiperr.CodeInvalidNumber, voiperr.CodeInvalidTone,
		voiperr.CodeInvalidRecipient, voiperr.CodeInvalidMessage, voiperr.CodeInvalidRoute:
		return http.StatusBadRequest
	case voiperr.CodeNotInitialized:
		return http.StatusConflict
	case voiperr.CodePlatformUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusBadGateway
}
