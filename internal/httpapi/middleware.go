package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/lifecycle"
)

// Actor identification is a header-trust stub: a gateway in front of this
// service authenticates and forwards X-Role plus X-User-ID or
// X-Technician-ID. Token verification is out of scope here.
const (
	headerRole         = "X-Role"
	headerUserID       = "X-User-ID"
	headerTechnicianID = "X-Technician-ID"

	ctxActorKey = "actor"
)

func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := lifecycle.Actor{Role: strings.ToLower(c.GetHeader(headerRole))}
		switch actor.Role {
		case lifecycle.RoleTechnician:
			actor.ID, _ = strconv.ParseInt(c.GetHeader(headerTechnicianID), 10, 64)
		case lifecycle.RoleAdmin:
		default:
			actor.Role = lifecycle.RoleUser
			actor.ID, _ = strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		}
		c.Set(ctxActorKey, actor)
		c.Next()
	}
}

func currentActor(c *gin.Context) lifecycle.Actor {
	if v, ok := c.Get(ctxActorKey); ok {
		if actor, ok := v.(lifecycle.Actor); ok {
			return actor
		}
	}
	return lifecycle.Actor{Role: lifecycle.RoleUser}
}

// corsMiddleware allows the configured origins; "*" allows all.
func corsMiddleware(origins string) gin.HandlerFunc {
	allowAll := origins == "" || origins == "*"
	allowed := map[string]bool{}
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Role, X-User-ID, X-Technician-ID")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
