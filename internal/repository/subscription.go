package repository

import (
	"bitwise74/channel-api/internal/model"
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionRepository reads and writes the follow graph.
type SubscriptionRepository interface {
	Subscribe(ctx context.Context, subscriberID, channelID string) error
	Unsubscribe(ctx context.Context, subscriberID, channelID string) error
	ChannelProfile(ctx context.Context, username, viewerID string) (*model.ChannelProfile, error)
}

type subscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Subscribe adds the edge subscriberID -> channelID. Adding an edge that
// already exists is a no-op.
func (r *subscriptionRepository) Subscribe(ctx context.Context, subscriberID, channelID string) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Subscription{
			SubscriberID: subscriberID,
			ChannelID:    channelID,
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to subscribe %s to %s, %w", subscriberID, channelID, err)
	}

	return nil
}

func (r *subscriptionRepository) Unsubscribe(ctx context.Context, subscriberID, channelID string) error {
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ? AND channel_id = ?", subscriberID, channelID).
		Delete(&model.Subscription{}).
		Error
	if err != nil {
		return fmt.Errorf("failed to unsubscribe %s from %s, %w", subscriberID, channelID, err)
	}

	return nil
}

// Both counts and the viewer flag come from one statement so they always
// describe the same state of the graph.
const channelProfileQuery = `
SELECT
	u.full_name,
	u.email,
	u.avatar,
	u.cover_image,
	(SELECT COUNT(*) FROM subscriptions s WHERE s.channel_id = u.id) AS subscribers_count,
	(SELECT COUNT(*) FROM subscriptions s WHERE s.subscriber_id = u.id) AS channels_subscribed_to_count,
	EXISTS (
		SELECT 1 FROM subscriptions s
		WHERE s.channel_id = u.id AND s.subscriber_id = ?
	) AS is_subscribed
FROM users u
WHERE u.username = ?
LIMIT 1`

func (r *subscriptionRepository) ChannelProfile(ctx context.Context, username, viewerID string) (*model.ChannelProfile, error) {
	var profile model.ChannelProfile

	res := r.db.WithContext(ctx).
		Raw(channelProfileQuery, viewerID, username).
		Scan(&profile)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to aggregate channel %s, %w", username, res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("failed to aggregate channel %s, %w", username, ErrNotFound)
	}

	return &profile, nil
}
