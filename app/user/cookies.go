package user

import (
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/middleware"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

const refreshTokenCookie = "refreshToken"

// Session cookies are always Secure unless host.insecure_cookies is set for
// local plain HTTP development
func setSessionCookies(c *gin.Context, pair *service.TokenPair) {
	secure := !viper.GetBool("host.insecure_cookies")

	c.SetCookie(middleware.AccessTokenCookie, pair.AccessToken, maxAge(pair.AccessExpiresAt), "/", "", secure, true)
	c.SetCookie(refreshTokenCookie, pair.RefreshToken, maxAge(pair.RefreshExpiresAt), "/", "", secure, true)
}

func clearSessionCookies(c *gin.Context) {
	secure := !viper.GetBool("host.insecure_cookies")

	c.SetCookie(middleware.AccessTokenCookie, "", -1, "/", "", secure, true)
	c.SetCookie(refreshTokenCookie, "", -1, "/", "", secure, true)
}

func maxAge(exp time.Time) int {
	return int(time.Until(exp).Seconds())
}
