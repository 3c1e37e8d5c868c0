package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Bearer Token Authentication
//
// The ingest endpoint is public: agents authenticate by identity alone for
// contest deployments. Everything dashboard-facing requires a bearer token
// minted by POST /auth/login against the admin credential, carrying
// {id, username, role} claims with a 12-hour lifetime.

const tokenLifetime = 12 * time.Hour

// AuthConfig holds the credential material for the dashboard surface.
type AuthConfig struct {
	JWTSecret []byte
	// AdminUsername plus exactly one of AdminPasswordHash (bcrypt,
	// preferred) or AdminPassword (plaintext, dev fallback).
	AdminUsername     string
	AdminPassword     string
	AdminPasswordHash string
}

// Claims are the token claims carried by dashboard bearer tokens.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates dashboard tokens and serves login.
type Authenticator struct {
	cfg AuthConfig
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if len(cfg.JWTSecret) == 0 {
		log.Println("[SECURITY WARNING] JWT_SECRET is empty; dashboard tokens will not verify. " +
			"Set JWT_SECRET in your environment.")
	}
	return &Authenticator{cfg: cfg}
}

// HandleLogin verifies the admin credential and issues a bearer token.
func (a *Authenticator) HandleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {username, password}"})
		return
	}

	if !a.credentialsValid(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	now := time.Now()
	claims := Claims{
		ID:       uuid.NewString(),
		Username: req.Username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

func (a *Authenticator) credentialsValid(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.AdminUsername)) == 1
	var passOK bool
	if a.cfg.AdminPasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(password)) == nil
	} else {
		passOK = a.cfg.AdminPassword != "" &&
			subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.AdminPassword)) == 1
	}
	return userOK && passOK
}

// Middleware returns a Gin handler enforcing a valid bearer token on
// dashboard-facing routes.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.cfg.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
