package httpapi

import (
	"github.com/labstack/echo/v4"

	"github.com/fruworg/fde/internal/auth"
	"github.com/fruworg/fde/internal/config"
)

// securityHeaders mirrors the header set the teacher applies to every
// response; an SSE API has no HTML surface of its own but still sits
// behind the same reverse proxies, so the hardening stays.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "sameorigin")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer, strict-origin-when-cross-origin")
			h.Del("Server")
			return next(c)
		}
	}
}

// authenticate applies the fixed policy order from spec.md §4.2. Handlers
// call it once they know envName (from a query param or a parsed body),
// since echo.Context's request body can only be read once — a generic
// body-sniffing auth middleware would break JSON handlers.
func (a *App) authenticate(c echo.Context, envName string) (env config.Environment, handled bool, err error) {
	token := c.Request().Header.Get("Authorization")
	result := auth.Validate(envName, token, a.serverCfg)
	if !result.Valid {
		return config.Environment{}, true, jsonError(c, auth.StatusHint(result.Error), result.Error)
	}
	return result.Env, false, nil
}

func jsonError(c echo.Context, status int, message string, kv ...any) error {
	body := map[string]any{"error": message}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			body[key] = kv[i+1]
		}
	}
	return c.JSON(status, body)
}
