package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const clientIDKey = "client_id"

// authMiddleware requires a valid bearer token when a JWT secret is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.jwtManager == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, http.StatusUnauthorized, errTypeAuthentication, "Authorization header required")
			return
		}
		claims, err := s.jwtManager.ValidateToken(authHeader)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, errTypeAuthentication, "Invalid authentication token")
			return
		}

		c.Set(clientIDKey, claims.ClientID)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request handled")
	}
}
