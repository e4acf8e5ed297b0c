package auth

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

const (
	PermissionTrade    = "trade"
	PermissionInternal = "internal"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. ClientID is the principal the
// token acts for.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret      string
	permissions []string
}

// Service issues and validates tokens for registered API keys
type Service struct {
	jwtSecret []byte
	ttl       time.Duration

	mu       sync.RWMutex
	accounts map[string]account
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		accounts:  make(map[string]account),
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The API key becomes the principal of every operation made with the token
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	acct, ok := s.accounts[creds.APIKey]
	s.mu.RUnlock()
	if !ok || acct.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: acct.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// HasPermission reports whether the claims grant perm
func (c *Claims) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// RegisterAPICredentials registers a trading principal
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.register(apiKey, apiSecret, PermissionTrade)
}

// RegisterInternalCredentials registers an operator allowed on internal
// routes (matching, delegation)
func (s *Service) RegisterInternalCredentials(apiKey, apiSecret string) {
	s.register(apiKey, apiSecret, PermissionTrade, PermissionInternal)
}

func (s *Service) register(apiKey, apiSecret string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = account{secret: apiSecret, permissions: perms}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// Principal returns the authenticated principal set by the auth middleware,
// or an empty string
func Principal(c *gin.Context) string {
	return c.GetString("clientID")
}
