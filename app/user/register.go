package user

import (
	"bitwise74/channel-api/internal"
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/apierr"
	"bitwise74/channel-api/pkg/middleware"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type registerBody struct {
	FullName string `form:"fullName"`
	Username string `form:"username"`
	Email    string `form:"email"`
	Password string `form:"password"`
}

func UserRegister(c *gin.Context, d *internal.Deps) {
	var data registerBody
	if err := c.ShouldBind(&data); err != nil {
		apierr.Respond(c, bindError(err))
		return
	}

	avatarPath, err := saveTemp(c, "avatar")
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	coverPath, err := saveTemp(c, "coverImage")
	if err != nil {
		os.Remove(avatarPath)
		apierr.Respond(c, err)
		return
	}

	user, err := d.Sessions.Register(c.Request.Context(), service.RegisterInput{
		FullName:       data.FullName,
		Username:       data.Username,
		Email:          data.Email,
		Password:       data.Password,
		AvatarPath:     avatarPath,
		CoverImagePath: coverPath,
	})
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	apierr.Success(c, http.StatusCreated, user, "User registered successfully")
}

// saveTemp writes the multipart file under field to a temporary file and
// returns its path. A missing file is not an error, the path is empty then.
func saveTemp(c *gin.Context, field string) (string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return "", nil
		}

		return "", bindError(err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", apierr.Internal("Internal server error", err)
	}

	p := filepath.Join(os.TempDir(), "upload-"+id)
	if err := c.SaveUploadedFile(fh, p); err != nil {
		os.Remove(p)
		return "", apierr.Internal("Failed to receive file", err)
	}

	zap.L().Debug("Received upload", zap.String("field", field), zap.Int64("size", fh.Size), zap.String("requestID", c.GetString("requestID")))

	return p, nil
}

func bindError(err error) error {
	if middleware.IsTooLarge(err) {
		return apierr.Validation("Request body size exceeds limit")
	}

	return apierr.Validation("Invalid request body", err.Error())
}
