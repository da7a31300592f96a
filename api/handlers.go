package api

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"scribe.evalgo.org/auth"
	"scribe.evalgo.org/store"
	"scribe.evalgo.org/version"
)

type googleAuthRequest struct {
	Code        string `json:"code"`
	Platform    string `json:"platform"`
	RedirectURI string `json:"redirect_uri"`
}

type googleAuthResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": s.cfg.Service.Name,
		"build":   version.Get(),
	})
}

// handleGoogleAuth trades an OAuth authorization code for a bearer token,
// upserting the user and recording the login.
func (s *Server) handleGoogleAuth(c echo.Context) error {
	var req googleAuthRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	profile, err := s.google.Exchange(c.Request().Context(), req.Code, req.RedirectURI)
	if err != nil {
		s.log.WithError(err).Warn("google code exchange failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	user, err := s.store.UpsertUser(c.Request().Context(), &store.User{
		ID:        uuid.NewString(),
		Email:     profile.Email,
		Name:      profile.Name,
		AvatarURL: profile.Picture,
	})
	if err != nil {
		s.log.WithError(err).Error("user upsert failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	if err := s.store.RecordLogin(c.Request().Context(), &store.LoginRecord{
		UserID:    user.ID,
		Platform:  req.Platform,
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}); err != nil {
		// Auditing must not block login.
		s.log.WithError(err).Warn("login record failed")
	}

	token, err := s.tokens.Issue(user.ID, user.Name)
	if err != nil {
		s.log.WithError(err).Error("token issue failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	return c.JSON(http.StatusOK, googleAuthResponse{Token: token, User: user})
}

// claimsFrom extracts the verified claims the JWT middleware stored.
func claimsFrom(c echo.Context) (*auth.Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, errors.New("missing token context")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

func (s *Server) handleMe(c echo.Context) error {
	claims, err := claimsFrom(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	user, err := s.store.GetUser(c.Request().Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) handleChannels(c echo.Context) error {
	claims, err := claimsFrom(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	channels, err := s.store.ListChannels(c.Request().Context(), claims.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"channels": channels})
}
