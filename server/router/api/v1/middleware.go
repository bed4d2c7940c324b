package v1

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/store"
)

const (
	apiKeyContextKey  = "orbit/api-key"
	adapterContextKey = "orbit/adapter"
	userContextKey    = "orbit/user"
)

// apiKeyAuthMiddleware resolves X-API-Key to its adapter binding. With auth
// disabled (dev mode) an absent key falls through to the first configured
// adapter so local clients need no provisioning.
func (s *APIV1Service) apiKeyAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get("X-API-Key")

			if token == "" {
				if !s.Profile.AuthDisabled {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing X-API-Key header")
				}
				adapter := s.defaultAdapter()
				if adapter == nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "no adapter configured")
				}
				c.Set(adapterContextKey, adapter)
				return next(c)
			}

			key, err := s.Store.GetAPIKeyByToken(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve api key").SetInternal(err)
			}
			if key == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown api key")
			}
			if !key.Active {
				return echo.NewHTTPError(http.StatusForbidden, "api key is deactivated")
			}

			adapter, ok := s.Config.Adapter(key.AdapterName)
			if !ok {
				return echo.NewHTTPError(http.StatusInternalServerError, "api key references unknown adapter")
			}

			c.Set(apiKeyContextKey, key)
			c.Set(adapterContextKey, adapter)

			// Last-used bookkeeping happens off the request path.
			go func(id int32) {
				touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				s.Store.TouchAPIKey(touchCtx, id)
			}(key.ID)

			return next(c)
		}
	}
}

func (s *APIV1Service) defaultAdapter() *config.AdapterConfig {
	if len(s.Config.Adapters) == 0 {
		return nil
	}
	return &s.Config.Adapters[0]
}

func apiKeyFromContext(c echo.Context) *store.APIKey {
	key, _ := c.Get(apiKeyContextKey).(*store.APIKey)
	return key
}

func adapterFromContext(c echo.Context) *config.AdapterConfig {
	adapter, _ := c.Get(adapterContextKey).(*config.AdapterConfig)
	return adapter
}

// clientLimiters holds one token bucket per client identity.
type clientLimiters struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiters(rps float64, burst int) *clientLimiters {
	return &clientLimiters{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiters) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[client] = limiter
	}
	return limiter
}

// rateLimitMiddleware enforces the per-client request budget. Clients are
// keyed by API key when present, by remote address otherwise.
func (s *APIV1Service) rateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.Config.Server.RateLimitRPS <= 0 {
				return next(c)
			}
			client := c.Request().Header.Get("X-API-Key")
			if client == "" {
				client = c.RealIP()
			}
			if !s.limiters.get(client).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// userClaims are the admin-plane JWT claims.
type userClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// adminAuthMiddleware gates the admin plane behind a bearer token minted by
// /auth/login. Dev mode with auth disabled skips the gate.
func (s *APIV1Service) adminAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.Profile.AuthDisabled {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &userClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(s.Profile.Secret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			if claims.Role != "admin" {
				return echo.NewHTTPError(http.StatusForbidden, "admin role required")
			}

			c.Set(userContextKey, claims)
			return next(c)
		}
	}
}
