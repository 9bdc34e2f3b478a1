package gateway

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	"encore.app/pkg/cache"
)

// Every instance drops matching entries from its private L1 when a peer
// clears the shared tiers. The originator already cleared its own L1, so it
// skips its own notification.
var _ = pubsub.NewSubscription(CacheInvalidations, "drop-local-l1",
	pubsub.SubscriptionConfig[*CacheInvalidationEvent]{
		Handler: handleCacheInvalidation,
	},
)

func handleCacheInvalidation(ctx context.Context, ev *CacheInvalidationEvent) error {
	s := running
	if s == nil || ev.Origin == s.instanceID {
		return nil
	}

	removed, err := s.l1.Clear(ctx, cache.Filter{
		Language:    ev.Language,
		ContentType: ev.ContentType,
		Tag:         ev.Tag,
	})
	if err != nil {
		return err
	}
	rlog.Info("dropped local entries on peer invalidation",
		"removed", removed, "origin", ev.Origin, "language", ev.Language)
	return nil
}
