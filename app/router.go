// Package app wires the dependencies and routes of the API together
package app

import (
	"bitwise74/channel-api/app/root"
	"bitwise74/channel-api/app/user"
	"bitwise74/channel-api/aws"
	"bitwise74/channel-api/cloudflare"
	"bitwise74/channel-api/db"
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/internal/cache"
	"bitwise74/channel-api/internal/repository"
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/middleware"
	"bitwise74/channel-api/pkg/security"
	"context"
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	gray  = "\x1b[90m"
	reset = "\x1b[0m"
)

// NewRouter connects to every external service named in the config and
// returns a router ready to serve
func NewRouter(ctx context.Context) (*gin.Engine, error) {
	if err := makeLogger(viper.GetString("app.log_level")); err != nil {
		return nil, err
	}

	d := &internal.Deps{
		Argon: security.New(),
	}

	database, err := db.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database, %w", err)
	}
	d.DB = database

	d.Tokens, err = security.NewTokenIssuer(security.TokenConfig{
		AccessSecret:  viper.GetString("jwt.access_secret"),
		RefreshSecret: viper.GetString("jwt.refresh_secret"),
		AccessTTL:     viper.GetDuration("jwt.access_ttl"),
		RefreshTTL:    viper.GetDuration("jwt.refresh_ttl"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token issuer, %w", err)
	}

	if viper.GetString("storage.type") == "r2" {
		d.S3, err = cloudflare.NewR2(ctx)
	} else {
		d.S3, err = aws.NewS3(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client, %w", err)
	}

	if addr := viper.GetString("redis.addr"); addr != "" {
		rdb, err := cache.NewClient(ctx, addr, viper.GetString("redis.password"), viper.GetInt("redis.db"))
		if err != nil {
			return nil, err
		}

		d.Cache = cache.NewUserCache(rdb, viper.GetDuration("redis.user_ttl"))
	} else {
		zap.L().Warn("No redis.addr specified, user caching is disabled")
	}

	if viper.GetBool("host.insecure_cookies") {
		zap.L().Warn("host.insecure_cookies is set, session cookies will be sent over plain HTTP")
	}

	if !viper.GetBool("cloudflare.turnstile.enabled") {
		zap.L().Warn("Cloudflare's turnstile is disabled, registration won't be guarded against bots")
	}

	uploader := service.NewUploader(d.S3, viper.GetString("storage.public_url"))

	users := repository.NewUserRepository(d.DB)

	d.Sessions = service.NewSessionController(users, d.Argon, d.Tokens, uploader, d.Cache)
	d.Channels = service.NewGraphAggregator(repository.NewSubscriptionRepository(d.DB))

	// Sweep stored refresh tokens that outlived their TTL once a day
	go service.SessionCleanup(ctx, 24*time.Hour, d.Tokens.RefreshTTL(), users)

	return New(d), nil
}

// New builds the router around already initialized dependencies
func New(d *internal.Deps) *gin.Engine {
	router := gin.New()

	router.Use(
		cors.New(cors.Config{
			AllowOrigins:     viper.GetStringSlice("host.cors"),
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "TurnstileToken"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := c.GetString("requestID"); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("userID", v))
				}

				return fields
			},
		}),
	)

	router.HandleMethodNotAllowed = true
	router.MaxMultipartMemory = 5 << 20

	auth := middleware.NewAuthMiddleware(d.Tokens)
	turnstile := middleware.NewTurnstileMiddleware()

	// Room for an avatar and a cover image plus the form fields
	maxUploadSize := viper.GetInt64("upload.max_size") << 20
	jsonBody := middleware.BodySizeLimiter(1 << 20)
	uploadBody := middleware.BodySizeLimiter(2*maxUploadSize + 1<<20)

	m := router.Group("/api")
	{
		// HEAD /api/heartbeat 		-> Used to check if the server is alive
		m.HEAD("/heartbeat", root.Heartbeat)

		// GET /api/validate		-> Validates an access token
		m.GET("/validate", auth, root.Validate)
	}

	u := m.Group("/v1/users")
	{
		// POST /api/v1/users/register		-> Registers a new user (multipart)
		u.POST("/register", turnstile, uploadBody, func(c *gin.Context) { user.UserRegister(c, d) })

		// POST /api/v1/users/login		-> Logs in a user and sets the session cookies
		u.POST("/login", jsonBody, func(c *gin.Context) { user.UserLogin(c, d) })

		// POST /api/v1/users/logout		-> Ends the session of the user
		u.POST("/logout", auth, func(c *gin.Context) { user.UserLogout(c, d) })

		// POST /api/v1/users/refresh-token	-> Rotates the refresh token
		u.POST("/refresh-token", jsonBody, func(c *gin.Context) { user.UserRefresh(c, d) })

		// POST /api/v1/users/change-password	-> Changes the password of the user
		u.POST("/change-password", auth, jsonBody, func(c *gin.Context) { user.UserChangePassword(c, d) })

		// GET /api/v1/users/me			-> Returns the logged in user
		u.GET("/me", auth, func(c *gin.Context) { user.UserFetch(c, d) })

		// PATCH /api/v1/users/me		-> Updates the full name or email
		u.PATCH("/me", auth, jsonBody, func(c *gin.Context) { user.UserUpdate(c, d) })

		// PATCH /api/v1/users/me/avatar	-> Replaces the avatar (multipart)
		u.PATCH("/me/avatar", auth, uploadBody, func(c *gin.Context) { user.UserAvatar(c, d) })

		// PATCH /api/v1/users/me/cover		-> Replaces the cover image (multipart)
		u.PATCH("/me/cover", auth, uploadBody, func(c *gin.Context) { user.UserCover(c, d) })

		// GET /api/v1/users/channel/:username	-> Returns a channel's profile and stats
		u.GET("/channel/:username", auth, func(c *gin.Context) { user.ChannelFetch(c, d) })
	}

	return router
}

func makeLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level, %w", err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + t.Format("15:04:05.000") + reset)
	}
	cfg.EncoderConfig.EncodeCaller = func(ec zapcore.EntryCaller, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + ec.TrimmedPath() + reset)
	}

	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger, %w", err)
	}

	zap.ReplaceGlobals(log)

	return nil
}
