package v1

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/orbitgw/orbit/store"
)

const accessTokenTTL = 24 * time.Hour

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates an admin-plane account. The first account becomes
// the admin; later ones are members.
func (s *APIV1Service) handleRegister(c echo.Context) error {
	req := &credentialsRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Username == "" || len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "username and a password of at least 8 characters are required")
	}

	ctx := c.Request().Context()
	existing, err := s.Store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to look up user").SetInternal(err)
	}
	if existing != nil {
		return echo.NewHTTPError(http.StatusConflict, "username already taken")
	}

	role := "member"
	users, err := s.Store.ListUsers(ctx, &store.FindUser{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list users").SetInternal(err)
	}
	if len(users) == 0 {
		role = "admin"
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to hash password").SetInternal(err)
	}

	user, err := s.Store.CreateUser(ctx, &store.User{
		Username:     req.Username,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create user").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"username": user.Username,
		"role":     user.Role,
	})
}

// handleLogin verifies credentials and mints the admin-plane access token.
func (s *APIV1Service) handleLogin(c echo.Context) error {
	req := &credentialsRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	user, err := s.Store.GetUserByUsername(c.Request().Context(), req.Username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to look up user").SetInternal(err)
	}
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	expiresAt := time.Now().Add(accessTokenTTL)
	claims := &userClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Profile.Secret))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign token").SetInternal(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt.Unix(),
		"role":         user.Role,
	})
}

// handleLogout is a no-op on the server: tokens are stateless and expire on
// their own. The endpoint exists so clients have a uniform sign-out call.
func (s *APIV1Service) handleLogout(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "logged_out"})
}
