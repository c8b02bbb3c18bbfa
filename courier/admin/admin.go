// Package admin exposes a small operator HTTP API over the delivery store:
// queue inspection, dead-letter listing and requeue, and engagement state.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/proactive"
	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/gofiber/fiber/v2"
)

// ErrNilQueue is returned when the admin API is built without a queue.
var ErrNilQueue = errors.New("admin: queue is required")

// QueueReader is the part of the queue the API needs.
type QueueReader interface {
	Items(ctx context.Context, userID int64) ([]queue.Item, error)
	DeadLetters(ctx context.Context, userID int64) ([]queue.DeadLetter, error)
	RequeueDeadLetters(ctx context.Context, userID int64) (int, error)
}

// EngagementReader reads proactive engagement state.
type EngagementReader interface {
	State(ctx context.Context, userID int64) (proactive.State, error)
}

// Pinger reports store health.
type Pinger func(ctx context.Context) error

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Config configures the admin server.
type Config struct {
	Address       string
	Username      string
	Password      string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	HealthTimeout time.Duration
}

// DefaultConfig returns the default admin config.
func DefaultConfig() Config {
	return Config{
		Address:       ":8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		HealthTimeout: 2 * time.Second,
	}
}

// Server is the operator API.
type Server struct {
	cfg        Config
	app        *fiber.App
	queue      QueueReader
	engagement EngagementReader
	ping       Pinger
	logger     log.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEngagement enables the engagement endpoint.
func WithEngagement(r EngagementReader) Option {
	return func(s *Server) { s.engagement = r }
}

// WithPinger makes /health probe the store.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.ping = p }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the fiber app and routes.
func New(cfg Config, q QueueReader, opts ...Option) (*Server, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}

	s := &Server{cfg: cfg, queue: q}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.logger = log.OrNop(s.logger)

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
	})

	s.app.Get("/health", s.health)

	v1 := s.app.Group("/v1")
	if cfg.Username != "" {
		v1.Use(basicAuth(cfg.Username, cfg.Password))
	}

	users := v1.Group("/users/:id", s.parseUser)
	users.Get("/queue", s.listQueue)
	users.Get("/dead-letters", s.listDeadLetters)
	users.Post("/dead-letters/requeue", s.requeueDeadLetters)
	users.Get("/engagement", s.getEngagement)

	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Run listens until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	runtime.SafeGo(s.logger, "admin_listen", runtime.KeepRunning, func() {
		errCh <- s.app.Listen(s.cfg.Address)
	})

	s.logger.Log(ctx, log.LevelInfo, "admin api listening", log.String("address", s.cfg.Address))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()

		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}

		return ctx.Err()
	}
}

const userIDLocal = "user_id"

func (s *Server) parseUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return writeError(c, fiber.StatusBadRequest, "invalid_user_id", "user id must be a positive integer")
	}

	c.Locals(userIDLocal, id)

	return c.Next()
}

func userID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(userIDLocal).(int64)

	return id
}

func (s *Server) health(c *fiber.Ctx) error {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.HealthTimeout)
		defer cancel()

		if err := s.ping(ctx); err != nil {
			s.logger.Log(ctx, log.LevelWarn, "health check failed", log.Err(err))

			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}

	return c.JSON(fiber.Map{"status": "available"})
}

func (s *Server) listQueue(c *fiber.Ctx) error {
	items, err := s.queue.Items(c.UserContext(), userID(c))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"user_id": userID(c), "count": len(items), "items": items})
}

func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	records, err := s.queue.DeadLetters(c.UserContext(), userID(c))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"user_id": userID(c), "count": len(records), "dead_letters": records})
}

func (s *Server) requeueDeadLetters(c *fiber.Ctx) error {
	n, err := s.queue.RequeueDeadLetters(c.UserContext(), userID(c))
	if err != nil {
		return err
	}

	s.logger.Log(c.UserContext(), log.LevelInfo, "dead letters requeued by operator",
		log.UserID(userID(c)), log.Int("count", n))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"user_id": userID(c), "requeued": n})
}

func (s *Server) getEngagement(c *fiber.Ctx) error {
	if s.engagement == nil {
		return writeError(c, fiber.StatusNotImplemented, "engagement_disabled", "proactive engagement is not enabled")
	}

	st, err := s.engagement.State(c.UserContext(), userID(c))
	if err != nil {
		return err
	}

	return c.JSON(st)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return writeError(c, fe.Code, "request_error", fe.Message)
	}

	s.logger.Log(c.UserContext(), log.LevelError, "admin handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return writeError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func basicAuth(username, password string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, encoded, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || scheme != "Basic" {
			return unauthorized(c)
		}

		cred, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return unauthorized(c)
		}

		user, pass, ok := strings.Cut(string(cred), ":")
		if !ok {
			return unauthorized(c)
		}

		if subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1 {
			return c.Next()
		}

		return unauthorized(c)
	}
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="courier"`)

	return writeError(c, fiber.StatusUnauthorized, "invalid_credentials", "the provided credentials are invalid")
}
