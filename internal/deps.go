package internal

import (
	"bitwise74/channel-api/aws"
	"bitwise74/channel-api/internal/cache"
	"bitwise74/channel-api/internal/service"
	"bitwise74/channel-api/pkg/security"

	"gorm.io/gorm"
)

// Deps is everything the HTTP handlers need, built once at startup
type Deps struct {
	DB       *gorm.DB
	Argon    *security.ArgonHash
	Tokens   *security.TokenIssuer
	S3       *aws.S3Client
	Cache    *cache.UserCache
	Sessions *service.SessionController
	Channels *service.GraphAggregator
}
