package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler 负责回应已解析到命名空间的请求，测试中可以注入假实现。
type Handler interface {
	Handle(fiber.Ctx, *NamespaceRoute) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(fiber.Ctx, *NamespaceRoute) error

// Handle makes HandlerFunc satisfy Handler.
func (f HandlerFunc) Handle(c fiber.Ctx, route *NamespaceRoute) error {
	return f(c, route)
}

// DiagnosticsPrefix 下的请求不经过 Host 解析，任意 Host 都可以访问。
const DiagnosticsPrefix = "/-"

// AppOptions controls how the Fiber application should behave on a specific port.
// Handler defaults to a BlobHandler writing through Logger. Diagnostics, when
// set, registers its routes on the DiagnosticsPrefix group.
type AppOptions struct {
	Logger      *logrus.Logger
	Registry    *NamespaceRegistry
	Handler     Handler
	ListenPort  int
	Diagnostics func(fiber.Router)
}

type localKey int

const (
	routeKey localKey = iota
	requestIDKey
)

// hostRouter 把 Host 头解析为命名空间，再交给 Handler。
type hostRouter struct {
	registry *NamespaceRegistry
	handler  Handler
	logger   *logrus.Logger
	port     int
}

// NewApp builds the Fiber application: request ids on every request, the
// diagnostics group, then a catch-all that resolves the namespace by Host.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("namespace registry is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	router := &hostRouter{
		registry: opts.Registry,
		handler:  opts.Handler,
		logger:   opts.Logger,
		port:     opts.ListenPort,
	}
	if router.handler == nil {
		router.handler = NewBlobHandler(opts.Logger)
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(assignRequestID)

	// 诊断路由必须先于通配路由注册。
	if opts.Diagnostics != nil {
		opts.Diagnostics(app.Group(DiagnosticsPrefix))
	}
	app.All("/*", router.resolve, router.serve)
	return app, nil
}

func assignRequestID(c fiber.Ctx) error {
	id := uuid.NewString()
	c.Locals(requestIDKey, id)
	c.Set("X-Request-ID", id)
	return c.Next()
}

// resolve 按 Host/Host:port 查找命名空间，找不到时直接回 404。
func (r *hostRouter) resolve(c fiber.Ctx) error {
	host := strings.TrimSpace(c.Get(fiber.HeaderHost))
	if host == "" {
		host = c.Hostname()
	}
	route, ok := r.registry.Lookup(host)
	if !ok {
		return r.unmapped(c, host)
	}
	c.Locals(routeKey, route)
	return c.Next()
}

func (r *hostRouter) serve(c fiber.Ctx) error {
	route, ok := c.Locals(routeKey).(*NamespaceRoute)
	if !ok || route == nil {
		return r.unmapped(c, "")
	}
	return r.handler.Handle(c, route)
}

func (r *hostRouter) unmapped(c fiber.Ctx, host string) error {
	r.logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   r.port,
	}).Warn("host_unmapped")

	if host != "" {
		c.Set("X-Castor-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

// RequestID returns the request identifier assigned on entry.
func RequestID(c fiber.Ctx) string {
	id, _ := c.Locals(requestIDKey).(string)
	return id
}
