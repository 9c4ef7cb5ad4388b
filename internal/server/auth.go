package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity resolution is an external concern; this file carries the minimum
// of it: HS256 bearer tokens naming the acting user, plus a guest issuer so
// the service runs without an upstream account system.

type authClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"name"`
	jwt.RegisteredClaims
}

const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
)

func (s *Server) signToken(userID, username string) (string, error) {
	now := nowUTC()
	claims := authClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL())),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseToken(raw string) (*authClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &authClaims{}, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*authClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// requireAuth resolves the acting user from the Authorization header and
// aborts with 401 when it cannot.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		claims, err := s.parseToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

// requireAdmin guards operational endpoints (round rotation, image-ready
// callbacks) behind the configured admin token.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.AdminToken
		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}

func actingUser(c *gin.Context) (string, string) {
	return c.GetString(ctxUserID), c.GetString(ctxUsername)
}

type guestRequest struct {
	Name string `json:"name" binding:"required,name"`
}

func (s *Server) handleGuestLogin(c *gin.Context) {
	if !s.enforceRateLimit(c, "auth") {
		return
	}
	var req guestRequest
	if !bindJSON(c, &req, bindMessages{
		"Name": {"required": "name is required", "name": "name must be 1-64 characters"},
	}, "invalid request") {
		return
	}
	name, err := validateName(req.Name)
	if err != nil {
		renderError(c, errValidation(err.Error()))
		return
	}
	userID := uuid.NewString()
	token, err := s.signToken(userID, name)
	if err != nil {
		renderError(c, errUpstream("failed to issue token"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user_id":  userID,
		"username": name,
		"token":    token,
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
