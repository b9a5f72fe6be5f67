package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/pkg/apierr"
	"net/http"

	"github.com/gin-gonic/gin"
)

type changePasswordBody struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func UserChangePassword(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	var data changePasswordBody
	if err := c.ShouldBindJSON(&data); err != nil {
		apierr.Respond(c, bindError(err))
		return
	}

	err := d.Sessions.ChangePassword(c.Request.Context(), userID, data.OldPassword, data.NewPassword)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, nil, "Password changed successfully")
}
