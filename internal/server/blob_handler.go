package server

import (
	"errors"
	"io/fs"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/logging"
)

// BlobHandler 把请求路径交给命名空间索引解析，命中时流式返回正文。
type BlobHandler struct {
	logger *logrus.Logger
}

// NewBlobHandler 构造 BlobHandler。
func NewBlobHandler(logger *logrus.Logger) *BlobHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BlobHandler{logger: logger}
}

// Handle serves GET and HEAD. Other methods get 405; names the index does not
// know (or whose blob is gone) get 404 {"error":"not_found"}.
func (h *BlobHandler) Handle(c fiber.Ctx, route *NamespaceRoute) error {
	started := time.Now()
	requestPath := string(c.Request().URI().Path())
	fields := logging.ServeFields(route.Config.Name, route.Config.Domain, requestPath, false)
	fields["request_id"] = RequestID(c)

	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
	}

	plan, ok, err := route.Index.Send(requestPath)
	if err != nil {
		return h.fail(c, fields, err)
	}
	if !ok {
		return h.notFound(c, fields)
	}

	c.Set(fiber.HeaderContentType, plan.Header.Get("Content-Type"))
	c.Set("Content-MD5", plan.Header.Get("Content-MD5"))
	c.Status(fiber.StatusOK)

	fields["hit"] = true
	fields["hash"] = plan.Entry.Hash
	fields["bytes"] = plan.Entry.Size

	if method == fiber.MethodHead {
		c.Response().Header.SetContentLength(int(plan.Entry.Size))
		c.Response().SkipBody = true
		h.complete(fields, started)
		return nil
	}

	f, err := plan.Open()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fields["hit"] = false
			return h.notFound(c, fields)
		}
		return h.fail(c, fields, err)
	}
	h.complete(fields, started)
	return c.SendStream(f, int(plan.Entry.Size))
}

func (h *BlobHandler) complete(fields logrus.Fields, started time.Time) {
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	h.logger.WithFields(fields).Info("serve_complete")
}

func (h *BlobHandler) notFound(c fiber.Ctx, fields logrus.Fields) error {
	h.logger.WithFields(fields).Debug("serve_not_found")
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
}

func (h *BlobHandler) fail(c fiber.Ctx, fields logrus.Fields, err error) error {
	h.logger.WithFields(fields).WithError(err).Error("serve_failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
}
