package utils

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"famfin/support-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	principalKey = "principal"
	requestIDKey = "requestID"
)

// staffRoles are the identity-provider roles that act as support staff.
var staffRoles = map[string]bool{"staff": true, "manager": true, "admin": true, "master": true}

// AuthMiddleware validates the bearer JWT issued by the auth service and
// stores the resulting principal in the gin context. Browsers cannot set
// headers on websocket upgrades, so a "token" query parameter is accepted too.
func AuthMiddleware(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		p, err := ParsePrincipal(token, secret, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

func ParsePrincipal(tokenString, secret, issuer string) (models.Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.Principal{}, err
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, true) {
		return models.Principal{}, errors.New("unexpected issuer")
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return models.Principal{}, errors.New("token has no user_id")
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)

	p := models.Principal{ID: userID, DisplayName: name, Email: email, Role: models.RoleRegular}
	if staffRoles[strings.ToLower(role)] {
		p.Role = models.RoleStaff
	}
	return p, nil
}

// GenerateToken signs a principal the same way the auth service does.
// Used by tests and local tooling.
func GenerateToken(p models.Principal, secret, issuer string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": p.ID,
		"name":    p.DisplayName,
		"email":   p.Email,
		"role":    string(p.Role),
		"exp":     time.Now().Add(ttl).Unix(),
		"iat":     time.Now().Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func GetPrincipal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

// RequestID returns the id RequestLogger assigned, or "" outside it.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestLogger tags each request with an id and logs it once finished.
func RequestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warn("request finished with errors")
			return
		}
		entry.Info("request")
	}
}
