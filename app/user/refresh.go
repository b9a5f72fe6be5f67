package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/pkg/apierr"
	"net/http"

	"github.com/gin-gonic/gin"
)

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

// UserRefresh takes the refresh token from its cookie, falling back to the
// JSON body for clients that don't keep cookies
func UserRefresh(c *gin.Context, d *internal.Deps) {
	token, _ := c.Cookie(refreshTokenCookie)
	if token == "" {
		var data refreshBody
		if err := c.ShouldBindJSON(&data); err == nil {
			token = data.RefreshToken
		}
	}

	pair, err := d.Sessions.Refresh(c.Request.Context(), token)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	setSessionCookies(c, pair)
	apierr.Success(c, http.StatusOK, pair, "Access token refreshed")
}
