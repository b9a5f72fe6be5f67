package middleware

import (
	"bitwise74/channel-api/pkg/apierr"
	"bitwise74/channel-api/pkg/security"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
)

// AccessTokenCookie is the name of the cookie holding the access token
const AccessTokenCookie = "accessToken"

// NewAuthMiddleware verifies the access token sent either as a cookie or as a
// bearer token and stores its subject as userID. The user itself isn't
// loaded, handlers that need it ask the services.
func NewAuthMiddleware(tokens *security.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearer(c)
		if tokenStr == "" {
			tokenStr, _ = c.Cookie(AccessTokenCookie)
		}

		if tokenStr == "" {
			apierr.Respond(c, apierr.Unauthorized("Unauthorized request", nil))
			return
		}

		claims, err := tokens.Verify(tokenStr, security.AccessToken)
		if err != nil {
			if errors.Is(err, security.ErrExpiredToken) {
				apierr.Respond(c, apierr.Unauthorized("Access token expired", err))
				return
			}

			apierr.Respond(c, apierr.Unauthorized("Invalid access token", err))
			return
		}

		c.Set("userID", claims.Subject)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")

	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}

	return strings.TrimSpace(token)
}
