package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/apierr"
	"net/http"

	"github.com/gin-gonic/gin"
)

func UserLogin(c *gin.Context, d *internal.Deps) {
	var data service.LoginInput
	if err := c.ShouldBindJSON(&data); err != nil {
		apierr.Respond(c, bindError(err))
		return
	}

	res, err := d.Sessions.Login(c.Request.Context(), data)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	setSessionCookies(c, &res.TokenPair)
	apierr.Success(c, http.StatusOK, res, "User logged in successfully")
}

func UserLogout(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	if err := d.Sessions.Logout(c.Request.Context(), userID); err != nil {
		apierr.Respond(c, err)
		return
	}

	clearSessionCookies(c)
	apierr.Success(c, http.StatusOK, nil, "User logged out successfully")
}
