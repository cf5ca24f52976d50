package controllers

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// errorResponse writes the JSON error envelope used by every endpoint.
func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// requestError is a client error detected before any work was done.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.code + ": " + e.message }

func badRequest(code, message string) error {
	return &requestError{code: code, message: message}
}

// bindJSON decodes and validates a request body. An empty body decodes to the
// zero value so optional-only payloads may be omitted.
func bindJSON(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return badRequest("invalid_body", err.Error())
		}
	}
	if err := getValidator().Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return badRequest("validation_failed", strings.ToLower(fe.Field())+" failed on '"+fe.Tag()+"'")
		}
		return badRequest("validation_failed", err.Error())
	}
	return nil
}

// writeRequestError answers a requestError with 400 and anything else with 500.
func writeRequestError(c *fiber.Ctx, err error) error {
	var re *requestError
	if errors.As(err, &re) {
		return errorResponse(c, fiber.StatusBadRequest, re.code, re.message)
	}
	return errorResponse(c, fiber.StatusInternalServerError, "internal_error", err.Error())
}

// queryInt reads a non-negative integer query parameter.
func queryInt(c *fiber.Ctx, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// ClientKey identifies a caller for rate limiting and logging. The
// Cloudflare header wins, then the first X-Forwarded-For hop, then the socket
// address with any IPv4-mapped prefix removed.
func ClientKey(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	return strings.TrimPrefix(c.IP(), "::ffff:")
}
