package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/auth"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	identityKey    = "identity"
	sessionUserKey = "user_id"
	devSessionKey  = "peercall-dev-session-key"
)

func Identity(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(identityKey))
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// IdentityMiddleware resolves the caller from a signed token. In debug mode a
// ?user= query, remembered in the cookie session, is accepted instead.
func IdentityMiddleware(debug bool, tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearer(c.Request); tok != "" && tokens != nil {
			uid, err := tokens.Verify(tok, time.Now())
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("token rejected")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
				return
			}
			c.Set(identityKey, string(uid))
			c.Next()
			return
		}
		if debug {
			session := sessions.Default(c)
			if q := c.Query("user"); q != "" {
				if !domain.UserID(q).Valid() {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
					return
				}
				session.Set(sessionUserKey, q)
				if err := session.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
				}
			}
			if v, ok := session.Get(sessionUserKey).(string); ok && v != "" {
				c.Set(identityKey, v)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, srv *relay.Server, tokens *auth.Manager) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Debug() {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Server.Secret
	if secret == "" {
		secret = devSessionKey
	}
	r.Use(sessions.Sessions("PeercallSessions", cookie.NewStore([]byte(secret))))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": srv.Clients()})
	})

	log.Info().Str("module", "adapters.http").Bool("debug", cfg.Debug()).Msg("router setup")

	api := r.Group("/api")
	if cfg.Debug() && tokens != nil {
		api.POST("/token", func(c *gin.Context) {
			var req struct {
				UserID string `json:"user_id"`
			}
			if err := c.ShouldBindJSON(&req); err != nil || !domain.UserID(req.UserID).Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid user_id"})
				return
			}
			tok, err := tokens.Issue(time.Now(), domain.UserID(req.UserID))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": tok})
		})
	}

	authed := api.Group("", IdentityMiddleware(cfg.Debug(), tokens))
	authed.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": Identity(c)})
	})
	authed.GET("/ws/pubsub", func(c *gin.Context) {
		uid := Identity(c)
		log.Info().Str("module", "adapters.http").Str("user_id", string(uid)).Msg("ws pubsub endpoint hit")
		srv.Serve(ctx, c.Writer, c.Request, uid)
	})

	return r
}
