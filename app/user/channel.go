package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/pkg/apierr"
	"net/http"

	"github.com/gin-gonic/gin"
)

func ChannelFetch(c *gin.Context, d *internal.Deps) {
	viewerID := c.MustGet("userID").(string)

	profile, err := d.Channels.ChannelProfile(c.Request.Context(), c.Param("username"), viewerID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusOK, profile, "Channel fetched successfully")
}
