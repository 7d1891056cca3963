package api

import (
	"net/http"
	"time"

	"clinical-platform/internal/account"
	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/auth"
	"clinical-platform/internal/billing"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/payout"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps зависимости HTTP слоя
type Deps struct {
	Accounts    *account.Service
	Affiliates  *affiliate.Service
	Commissions *commission.Engine
	Payouts     *payout.Service
	Billing     *billing.Service
	Tokens      *auth.Tokens
	Webhook     http.Handler
	Health      *metrics.Handler
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// AllowedOrigins адреса фронтенда для CORS
	AllowedOrigins []string
}

// Server HTTP обработчики платформы
type Server struct {
	accounts    *account.Service
	affiliates  *affiliate.Service
	commissions *commission.Engine
	payouts     *payout.Service
	billing     *billing.Service
	logger      *zap.Logger
}

// NewRouter собирает маршруты API
func NewRouter(d Deps) *gin.Engine {
	s := &Server{
		accounts:    d.Accounts,
		affiliates:  d.Affiliates,
		commissions: d.Commissions,
		payouts:     d.Payouts,
		billing:     d.Billing,
		logger:      d.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger), requestMetrics(d.Metrics))
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", requestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", gin.WrapF(d.Health.HealthHandler))
	r.GET("/metrics", gin.WrapH(d.Health.MetricsHandler()))

	requireAuth := auth.Middleware(d.Tokens, d.Logger)

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", s.register)
	authGroup.POST("/login", s.login)
	authGroup.GET("/check-referral/:code", s.checkReferral)
	authGroup.GET("/profile", requireAuth, s.profile)

	subs := api.Group("/subscriptions")
	subs.GET("/plans", s.plans)
	subs.POST("/webhook", gin.WrapH(d.Webhook))
	subs.POST("/create", requireAuth, s.createSubscription)
	subs.GET("/status", requireAuth, s.subscriptionStatus)
	subs.POST("/cancel", requireAuth, s.cancelSubscription)
	subs.POST("/payment-intent", requireAuth, s.paymentIntent)

	aff := api.Group("/affiliates", requireAuth)
	aff.GET("/stats", s.affiliateStats)
	aff.GET("/dashboard", s.dashboard)
	aff.GET("/commissions", s.listCommissions)
	aff.GET("/referrals", s.listReferrals)
	aff.GET("/generate-link", s.referralLink)
	aff.GET("/payouts", s.listPayouts)
	aff.POST("/payouts", s.requestPayout)

	admin := api.Group("/admin", requireAuth, auth.RequireStaff())
	admin.POST("/commissions/mark-paid", s.markPaid)
	admin.POST("/commissions/cancel", s.cancelCommissions)
	admin.POST("/commissions/manual", s.manualCommission)
	admin.POST("/payouts/:id/approve", s.approvePayout)
	admin.POST("/payouts/:id/reject", s.rejectPayout)
	admin.POST("/affiliates/:id/recompute", s.recompute)

	return r
}
