// Package httpapi exposes the check-in, alert and notification operations
// over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/cloudinary"
	"attendguard/internal/credential"
	"attendguard/internal/model"
	"attendguard/internal/notify"
)

// CheckIns verifies attempts.
type CheckIns interface {
	Submit(ctx context.Context, req attendance.SubmitRequest) (attendance.Verdict, error)
}

// Sessions reads sessions from the course collaborator.
type Sessions interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
}

// Credentials issues and inspects QR credentials.
type Credentials interface {
	Issue(ctx context.Context, session model.Session, opts credential.IssueOptions) (model.Credential, error)
	Revoke(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (model.Credential, error)
	State(ctx context.Context, c model.Credential, session model.Session) (model.CredentialState, error)
}

// Alerts reads and resolves fraud alerts.
type Alerts interface {
	GetAlert(ctx context.Context, id string) (model.FraudAlert, error)
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error)
	ResolveAlert(ctx context.Context, id string, to model.AlertStatus, resolverID, notes string) (model.FraudAlert, error)
}

// Notifications is the delivery queue.
type Notifications interface {
	Send(ctx context.Context, req notify.SendRequest) (model.DeliveryHandle, error)
	Get(ctx context.Context, id string) (model.Message, error)
	Cancel(ctx context.Context, id string) (model.Message, error)
	History(ctx context.Context, id string) ([]model.Delivery, error)
	Broadcast(ctx context.Context, recipients []string, req notify.SendRequest) (notify.BatchReport, error)
}

// EvidenceStore keeps uploaded check-in photos.
type EvidenceStore interface {
	UploadEvidence(ctx context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// InApp streams in-app notifications to a connected principal.
type InApp interface {
	ServeWS(w http.ResponseWriter, r *http.Request, recipientID string) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Options configures the router.
type Options struct {
	SigningKey      string
	Issuer          string
	RateLimitPerMin int
	CORSOrigins     []string
	MaxPhotoBytes   int64
}

// Server holds the handlers' dependencies. Evidence and InApp may be nil.
type Server struct {
	CheckIns      CheckIns
	Sessions      Sessions
	Credentials   Credentials
	Alerts        Alerts
	Notifications Notifications
	Evidence      EvidenceStore
	InApp         InApp
	Health        map[string]HealthCheck
	Log           *zap.Logger
	Opts          Options
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Opts.MaxPhotoBytes <= 0 {
		s.Opts.MaxPhotoBytes = 5 << 20
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(s.Opts.CORSOrigins))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.Authenticate(s.Opts.SigningKey, s.Opts.Issuer))
	if s.Opts.RateLimitPerMin > 0 {
		v1.Use(newIPLimiter(s.Opts.RateLimitPerMin))
	}

	student := auth.RequireRole(auth.RoleStudent)
	staff := auth.RequireRole(auth.RoleProfessor, auth.RoleAdmin)

	v1.POST("/checkins", student, s.submitCheckIn)
	v1.POST("/evidence/photos", student, s.uploadPhoto)

	v1.POST("/sessions/:id/credentials", staff, s.issueCredential)
	v1.GET("/credentials/:id", s.credentialState)
	v1.DELETE("/credentials/:id", staff, s.revokeCredential)

	v1.GET("/alerts", staff, s.listAlerts)
	v1.GET("/alerts/:id", staff, s.getAlert)
	v1.POST("/alerts/:id/resolve", staff, s.resolveAlert)

	v1.POST("/notifications", staff, s.sendNotification)
	v1.GET("/notifications/:id", staff, s.getNotification)
	v1.DELETE("/notifications/:id", staff, s.cancelNotification)
	v1.GET("/notifications/:id/deliveries", staff, s.deliveryHistory)
	v1.POST("/sessions/:id/broadcast", staff, s.broadcast)

	v1.GET("/ws", s.websocket)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	body := gin.H{}
	status := http.StatusOK
	for name, check := range s.Health {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusOK {
		body["status"] = "ok"
	} else {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func (s *Server) websocket(c *gin.Context) {
	if s.InApp == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "in-app channel not available"})
		return
	}
	p, _ := auth.Principal(c)
	if err := s.InApp.ServeWS(c.Writer, c.Request, p.Subject); err != nil {
		s.Log.Debug("websocket upgrade failed", zap.String("principal", p.Subject), zap.Error(err))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
