package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/dispatcher"
	"github.com/jmehdipour/campaign-gateway/internal/http/middleware"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/account"
	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"github.com/jmehdipour/campaign-gateway/internal/service/contact"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProviderStates reports breaker readiness of every configured provider.
type ProviderStates interface {
	States() []dispatcher.ProviderState
}

// Deps are the services the HTTP surface is built on. Events may be nil
// when no analytics store is configured.
type Deps struct {
	Sends     *send.Service
	Quota     *quota.Service
	Keys      *apikey.Service
	Accounts  *account.Service
	Contacts  *contact.Service
	Events    repository.EventsRepository
	Providers ProviderStates
	Redis     *redis.Client
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = errorHandler

	e.Use(
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: uuid.NewString}),
		echoMid.Recover(),
		echoMid.Logger(),
	)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", healthHandler(d.Providers))

	// unauthenticated: tracking pixels, redirects and provider callbacks
	ipLimit := middleware.NewIPLimiter(float64(cfg.RateLimit.AnonymousRPS), cfg.RateLimit.Burst, 10*time.Minute)
	limited := ipLimit.Middleware()
	e.GET("/t/:id/open", trackOpenHandler(d.Sends), limited)
	e.POST("/t/:id/open", trackOpenHandler(d.Sends), limited)
	e.GET("/t/:id/click", trackClickHandler(d.Sends), limited)
	e.POST("/t/:id/click", trackClickHandler(d.Sends), limited)
	e.POST("/sends/:id/track/open", trackOpenHandler(d.Sends), limited)
	e.POST("/sends/:id/track/click", trackClickHandler(d.Sends), limited)

	hooks := e.Group("/webhooks", limited, webhookTokenMiddleware(cfg.Webhooks.Token))
	hooks.POST("/delivery", deliveryWebhookHandler(d.Sends))
	hooks.POST("/sms", smsWebhookHandler(d.Sends))

	// authenticated API
	authMW := middleware.APIKeyMiddleware(d.Keys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		Limit:          cfg.RateLimit.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	read := middleware.RequirePermission(model.PermRead)
	write := middleware.RequirePermission(model.PermWrite)
	admin := middleware.RequirePermission(model.PermAdmin)

	v1 := e.Group("/v1", authMW, rlMW)

	v1.POST("/sends", sendHandler(d.Sends), write)
	v1.POST("/sends/bulk", sendBulkHandler(d.Sends), write)
	v1.GET("/sends", listSendsHandler(d.Sends), read)
	v1.GET("/sends/stats", sendStatsHandler(d.Sends), read)
	v1.GET("/sends/:id", getSendHandler(d.Sends), read)

	v1.GET("/quota", myQuotaHandler(d.Quota), read)
	v1.POST("/quota/reset", resetMyQuotaHandler(d.Quota), admin)
	v1.GET("/quota/:userId", userQuotaHandler(d.Quota), admin)
	v1.POST("/quota/:userId/reset", resetUserQuotaHandler(d.Quota), admin)
	v1.PUT("/quota/:userId/plan", updatePlanHandler(d.Quota), admin)

	v1.GET("/api-keys", listKeysHandler(d.Keys), read)
	v1.POST("/api-keys", createKeyHandler(d.Keys), write)
	v1.POST("/api-keys/:id/regenerate", regenerateKeyHandler(d.Keys), write)
	v1.DELETE("/api-keys/:id", deleteKeyHandler(d.Keys), write)

	v1.GET("/contacts", listContactsHandler(d.Contacts), read)
	v1.POST("/contacts", createContactHandler(d.Contacts), write)
	v1.GET("/contacts/:id", getContactHandler(d.Contacts), read)
	v1.PUT("/contacts/:id", updateContactHandler(d.Contacts), write)
	v1.DELETE("/contacts/:id", deleteContactHandler(d.Contacts), write)

	v1.GET("/contact-groups", listGroupsHandler(d.Contacts), read)
	v1.POST("/contact-groups", createGroupHandler(d.Contacts), write)
	v1.GET("/contact-groups/:id", getGroupHandler(d.Contacts), read)
	v1.GET("/contact-groups/:id/members", listMembersHandler(d.Contacts), read)
	v1.POST("/contact-groups/:id/members", addMembersHandler(d.Contacts), write)

	adm := v1.Group("/admin", admin)
	adm.POST("/users", createUserHandler(d.Accounts))
	adm.GET("/users", listUsersHandler(d.Accounts))
	adm.GET("/users/:id", getUserHandler(d.Accounts))
	adm.DELETE("/users/:id", deleteUserHandler(d.Accounts))
	adm.GET("/stats/overview", overviewHandler(d.Accounts, d.Quota, d.Sends))
	adm.GET("/stats/daily", dailyStatsHandler(d.Events))

	return &Server{e: e}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	logger.Log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func healthHandler(p ProviderStates) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]any{"status": "ok"}
		if p != nil {
			body["providers"] = p.States()
		}
		return c.JSON(http.StatusOK, body)
	}
}

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
