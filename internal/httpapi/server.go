// Package httpapi serves the callables over HTTP behind the gateway.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/functions"
	"github.com/park285/cheese-matchsync/internal/httpx"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

type Server struct {
	app *fiber.App
	reg *functions.Registry
}

// New mounts the routes. An empty gatewayToken disables the bearer check, which is
// only acceptable outside production.
func New(reg *functions.Registry, gatewayToken string) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             64 * 1024,
		}),
		reg: reg,
	}
	s.app.Use(recover.New())
	s.app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })

	fn := s.app.Group("/fn", GatewayAuth(gatewayToken))
	fn.Post("/:name", s.call)
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

// GatewayAuth accepts "Bearer <token>" or the raw token.
func GatewayAuth(expected string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Next()
		}
		header := c.Get(fiber.HeaderAuthorization)
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			obslog.L().Warn("gateway_auth_rejected", zap.String("path", c.Path()), zap.Bool("missing", header == ""))
			return writeError(c, matchdto.Errorf(matchdto.CodeUnauthenticated, "invalid gateway authentication token"))
		}
		return c.Next()
	}
}

func (s *Server) call(c *fiber.Ctx) error {
	caller := matchdto.Caller{
		LoginID:   strings.TrimSpace(c.Get(matchdto.HeaderLoginID)),
		ProfileID: strings.TrimSpace(c.Get(matchdto.HeaderProfileID)),
	}
	body := append(json.RawMessage(nil), c.Body()...)
	if id := c.Get(httpx.HeaderRequestID); id != "" {
		c.Set(httpx.HeaderRequestID, id)
	}
	out, err := s.reg.Call(c.UserContext(), caller, c.Params("name"), body)
	if err != nil {
		var ce *matchdto.CallError
		if !errors.As(err, &ce) {
			ce = matchdto.Internal("internal error")
		}
		return writeError(c, ce)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		obslog.L().Error("callable_encode_failed", zap.String("fn", c.Params("name")), zap.Error(err))
		return writeError(c, matchdto.Internal("internal error"))
	}
	return c.Status(fiber.StatusOK).JSON(matchdto.Envelope{Result: raw})
}

func writeError(c *fiber.Ctx, ce *matchdto.CallError) error {
	return c.Status(StatusFor(ce.Code)).JSON(matchdto.Envelope{Error: ce})
}

// StatusFor maps a callable code to its HTTP status.
func StatusFor(code matchdto.Code) int {
	switch code {
	case matchdto.CodeUnauthenticated:
		return fiber.StatusUnauthorized
	case matchdto.CodePermissionDenied:
		return fiber.StatusForbidden
	case matchdto.CodeInvalidArgument:
		return fiber.StatusBadRequest
	case matchdto.CodeFailedPrecondition:
		return fiber.StatusPreconditionFailed
	case matchdto.CodeNotFound:
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}
