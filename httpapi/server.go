package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/jwt"
	"github.com/MrEthical07/twofa/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

// Config wires the HTTP surface.
type Config struct {
	Engine *twofa.Engine
	Tokens *jwt.Manager
	Logger *zap.Logger
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	CookieName     string
	// HomePath is where browsers go after a successful verification.
	HomePath string
}

type handlers struct {
	engine     *twofa.Engine
	logger     *zap.Logger
	cookieName string
	homePath   string
}

// New builds the fiber application.
func New(cfg Config) (*fiber.App, error) {
	if cfg.Engine == nil {
		return nil, errors.New("httpapi: engine required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("httpapi: token manager required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = middleware.DefaultCookieName
	}
	if cfg.HomePath == "" {
		cfg.HomePath = "/"
	}

	h := &handlers{
		engine:     cfg.Engine,
		logger:     cfg.Logger.Named("http"),
		cookieName: cfg.CookieName,
		homePath:   cfg.HomePath,
	}

	app := fiber.New(fiber.Config{
		AppName:               "twofa",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          h.errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(h.accessLog)
	app.Use(middleware.ClientContext())

	app.Get("/healthz", h.health)
	if cfg.MetricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.MetricsHandler))
	}

	app.Use(middleware.Authenticate(middleware.AuthConfig{
		Tokens:     cfg.Tokens,
		Engine:     cfg.Engine,
		CookieName: cfg.CookieName,
		Optional:   true,
		Logger:     h.logger,
	}))
	app.Use(middleware.Gate(cfg.Engine, h.logger))

	app.Post("/logout", h.logout)

	general := middleware.RateLimit(cfg.Engine, twofa.ActionGeneral)

	public := app.Group("/2fa")
	public.Get("/account-recovery", general, h.accountRecovery)
	public.Post("/emergency-recovery", h.emergencyRecovery)

	twofaRoutes := app.Group("/2fa", middleware.RequireClaims())
	twofaRoutes.Get("/status", h.status)
	twofaRoutes.Get("/setup", h.beginSetup)
	twofaRoutes.Get("/qr", general, h.setupQR)
	twofaRoutes.Post("/enable", h.enable)
	twofaRoutes.Get("/verify", h.verifyPrompt)
	twofaRoutes.Post("/verify", h.verify)
	twofaRoutes.Post("/sms", h.sendSMS)
	twofaRoutes.Get("/recovery", h.recoveryPrompt)
	twofaRoutes.Post("/recovery", h.recovery)
	twofaRoutes.Post("/regenerate-codes", h.regenerateCodes)
	twofaRoutes.Post("/disable", h.disable)

	app.Get("/api/session", middleware.RequireClaims(), h.session)

	return app, nil
}

func (h *handlers) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"success": false, "message": fe.Message})
	}
	h.logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
	return middleware.WriteError(c, err)
}

func (h *handlers) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
		zap.String("ip", c.IP()),
	}
	if rid, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		fields = append(fields, zap.String("request_id", rid))
	}
	if status >= 500 {
		h.logger.Warn("request", fields...)
	} else {
		h.logger.Debug("request", fields...)
	}
	return err
}

func (h *handlers) health(c *fiber.Ctx) error {
	if err := h.engine.Ping(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) session(c *fiber.Ctx) error {
	claims, _ := middleware.Claims(c)
	return c.JSON(fiber.Map{
		"identity_id": claims.UID,
		"session_id":  claims.SID,
		"role":        claims.Role,
	})
}

func (h *handlers) logout(c *fiber.Ctx) error {
	if claims, ok := middleware.Claims(c); ok {
		if err := h.engine.Logout(c.UserContext(), claims.SID, claims.UID); err != nil {
			return middleware.WriteError(c, err)
		}
	}
	c.ClearCookie(h.cookieName)
	return middleware.WriteSuccess(c, fiber.StatusOK, "Signed out.", middleware.LoginPath, nil)
}
