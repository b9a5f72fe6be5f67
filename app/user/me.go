package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/apierr"
	"net/http"

	"github.com/gin-gonic/gin"
)

func UserFetch(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	user, err := d.Sessions.CurrentUser(c.Request.Context(), userID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, user, "Current user fetched successfully")
}

func UserUpdate(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	var data service.UpdateAccountInput
	if err := c.ShouldBindJSON(&data); err != nil {
		apierr.Respond(c, bindError(err))
		return
	}

	user, err := d.Sessions.UpdateAccount(c.Request.Context(), userID, data)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, user, "Account details updated successfully")
}

func UserAvatar(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	p, err := saveTemp(c, "avatar")
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	user, err := d.Sessions.UpdateAvatar(c.Request.Context(), userID, p)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, user, "Avatar updated successfully")
}

func UserCover(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	p, err := saveTemp(c, "coverImage")
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	user, err := d.Sessions.UpdateCoverImage(c.Request.Context(), userID, p)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, user, "Cover image updated successfully")
}
