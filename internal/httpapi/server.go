package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusride/internal/auth"
	"campusride/internal/httpmiddleware"
	"campusride/internal/livesync"
	"campusride/internal/route"
	"campusride/internal/transport"
)

// Config wires the server's outer concerns.
type Config struct {
	SigningKey  string
	Issuer      string
	CORSOrigins []string
	Limiter     *httpmiddleware.RateLimiter
	// Health checks reported by /healthz, keyed by dependency name.
	Health map[string]func(context.Context) bool
}

// Server serves the dashboard API on top of the process-wide fleet mirror.
type Server struct {
	fleet   *transport.Fleet
	trips   *route.Registry
	backend livesync.Backend
	opts    livesync.Options
	cfg     Config

	upgrader websocket.Upgrader
}

// New builds a server. backend and opts are used to mount the per-connection mirrors
// behind the live endpoint.
func New(fleet *transport.Fleet, trips *route.Registry, b livesync.Backend, opts livesync.Options, cfg Config) *Server {
	s := &Server{fleet: fleet, trips: trips, backend: b, opts: opts, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(s.corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.Bearer(s.cfg.SigningKey, s.cfg.Issuer))
	if s.cfg.Limiter != nil {
		v1.Use(s.cfg.Limiter.GinMiddleware())
	}

	admin := auth.RequireRole()
	crud(v1.Group("/cabs"), s.fleet.Cabs, admin)
	crud(v1.Group("/drivers"), s.fleet.Drivers, admin)
	crud(v1.Group("/students"), s.fleet.Students, admin)
	crud(v1.Group("/routes"), s.fleet.Routes, admin)

	signedIn := auth.RequireRole(auth.RoleStudent, auth.RoleDriver, auth.RoleParent)
	driver := auth.RequireRole(auth.RoleDriver)
	guardian := auth.RequireRole(auth.RoleParent)

	v1.GET("/locations", s.listLocations)
	v1.GET("/locations/:cab_id", s.currentLocation)
	v1.POST("/locations", driver, s.updateLocation)

	v1.GET("/alerts", s.listAlerts)
	v1.POST("/alerts", signedIn, s.triggerSOS)
	v1.POST("/alerts/:id/resolve", admin, s.resolveAlert)

	v1.GET("/cameras", s.listCameras)
	v1.POST("/cameras", guardian, s.activateCamera)
	v1.POST("/cameras/:id/deactivate", guardian, s.deactivateCamera)

	v1.GET("/attendance", s.listAttendance)
	v1.POST("/attendance", driver, s.markAttendance)

	trips := v1.Group("/trips/:route_id")
	trips.GET("", s.getTrip)
	trips.POST("", driver, s.startTrip)
	trips.DELETE("", driver, s.endTrip)
	trips.POST("/stops/:stop_id/complete", driver, s.completeStop)
	trips.PUT("/stops/:stop_id/status", driver, s.setStopStatus)
	trips.PUT("/stops/:stop_id/students/:student_id", driver, s.setStudentStatus)

	v1.GET("/live/:collection", s.live)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.cfg.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// CORS middleware for browser requests
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && s.originAllowed(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
