package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

// lockAPI lets non-Go clients take and return locks over HTTP. The token
// handed out on acquire is what authorizes renew and release.
type lockAPI struct {
	l   *lock.Locker
	ttl time.Duration
}

type lockResponse struct {
	Resource  string    `json:"resource"`
	Token     string    `json:"token,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Held      bool      `json:"held"`
	TTL       string    `json:"ttl,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// RegisterRoutes mounts the lock routes on rg.
func (a *lockAPI) RegisterRoutes(rg *gin.RouterGroup) {
	locks := rg.Group("/locks")
	locks.GET("/:resource", a.inspect)
	locks.POST("/:resource", a.acquire)
	locks.PUT("/:resource", a.renew)
	locks.DELETE("/:resource", a.release)
}

func (a *lockAPI) ttlFrom(c *gin.Context) (time.Duration, bool) {
	s := c.Query("ttl")
	if s == "" {
		return a.ttl, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return d, true
}

func (a *lockAPI) acquire(c *gin.Context) {
	ttl, ok := a.ttlFrom(c)
	if !ok {
		return
	}
	h, err := a.l.Acquire(c.Request.Context(), c.Param("resource"), ttl)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lockResponse{
		Resource:  h.Resource(),
		Token:     h.Token(),
		Held:      true,
		TTL:       h.TTL().String(),
		ExpiresAt: h.ExpiresAt(),
	})
}

func (a *lockAPI) renew(c *gin.Context) {
	ttl, ok := a.ttlFrom(c)
	if !ok {
		return
	}
	resource := c.Param("resource")
	renewed, err := a.l.RenewToken(c.Request.Context(), resource, c.Query("token"), ttl)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !renewed {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "not the owner"})
		return
	}
	c.JSON(http.StatusOK, lockResponse{Resource: resource, Held: true, TTL: ttl.String()})
}

func (a *lockAPI) release(c *gin.Context) {
	released, err := a.l.ReleaseToken(c.Request.Context(), c.Param("resource"), c.Query("token"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !released {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "not the owner"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *lockAPI) inspect(c *gin.Context) {
	st, err := a.l.Inspect(c.Request.Context(), c.Param("resource"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := lockResponse{Resource: st.Resource, Held: st.Held}
	if st.Held {
		resp.Owner = watchbus.Fingerprint(st.Owner)
		resp.TTL = st.TTL.String()
	}
	c.JSON(http.StatusOK, resp)
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, latcherrors.ErrInvalidResource), errors.Is(err, latcherrors.ErrInvalidTTL):
		status = http.StatusBadRequest
	case errors.Is(err, latcherrors.ErrAlreadyHeld):
		status = http.StatusConflict
	case errors.Is(err, latcherrors.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// requestLogger logs every request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
		)
	}
}

// newRouter wires the lock API, the event streams and the metrics handler.
func newRouter(api *lockAPI, events watchbus.WatchBus, metricsHandler http.Handler, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/events", gin.WrapF(watchbus.SSEHandler(events)))
	router.GET("/ws", gin.WrapF(watchbus.WebSocketHandler(events)))
	api.RegisterRoutes(router.Group("/api/v1"))
	return router
}
