package model

import "time"

// Subscription is a directed follow edge: SubscriberID follows ChannelID.
// A pair can only exist once
type Subscription struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SubscriberID string    `gorm:"size:16;not null;uniqueIndex:idx_subscriber_channel,priority:1" json:"subscriberId"`
	ChannelID    string    `gorm:"size:16;not null;uniqueIndex:idx_subscriber_channel,priority:2;index" json:"channelId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	Subscriber User `gorm:"foreignKey:SubscriberID;constraint:OnDelete:CASCADE" json:"-"`
	Channel    User `gorm:"foreignKey:ChannelID;constraint:OnDelete:CASCADE" json:"-"`
}

// ChannelProfile is a channel's public info together with its follow stats,
// as seen by one viewer
type ChannelProfile struct {
	FullName                  string  `json:"fullName"`
	Email                     string  `json:"email"`
	Avatar                    string  `json:"avatar"`
	CoverImage                *string `json:"coverImage"`
	SubscribersCount          int64   `json:"subscribersCount"`
	ChannelsSubscribedToCount int64   `json:"channelsSubscribedToCount"`
	IsSubscribed              bool    `json:"isSubscribed"`
}
