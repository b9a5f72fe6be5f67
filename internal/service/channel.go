package service

import (
	"bitwise74/channel-api/internal/model"
	"bitwise74/channel-api/internal/repository"
	"bitwise74/channel-api/pkg/apierr"
	"context"
	"errors"
	"strings"
)

// GraphAggregator answers questions about the subscription graph
type GraphAggregator struct {
	subs repository.SubscriptionRepository
}

func NewGraphAggregator(subs repository.SubscriptionRepository) *GraphAggregator {
	return &GraphAggregator{subs: subs}
}

// ChannelProfile returns the public profile of the channel owned by username
// together with its subscriber counts, as seen by viewerID.
func (g *GraphAggregator) ChannelProfile(ctx context.Context, username, viewerID string) (*model.ChannelProfile, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, apierr.Validation("Username is missing")
	}

	profile, err := g.subs.ChannelProfile(ctx, username, viewerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.NotFound("Channel does not exist")
		}

		return nil, apierr.Internal("Failed to fetch channel profile", err)
	}

	return profile, nil
}

func (g *GraphAggregator) Subscribe(ctx context.Context, subscriberID, channelID string) error {
	if err := g.subs.Subscribe(ctx, subscriberID, channelID); err != nil {
		return apierr.Internal("Failed to subscribe", err)
	}

	return nil
}

func (g *GraphAggregator) Unsubscribe(ctx context.Context, subscriberID, channelID string) error {
	if err := g.subs.Unsubscribe(ctx, subscriberID, channelID); err != nil {
		return apierr.Internal("Failed to unsubscribe", err)
	}

	return nil
}
