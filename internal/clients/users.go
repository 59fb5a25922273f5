package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// UserProfile is the subset of the user service response the pipeline
// needs: where to deliver and whether the user wants email at all.
type UserProfile struct {
	Email string `json:"email"`
	// Absent means enabled, matching the user service contract.
	EmailNotifications *bool `json:"email_notifications"`
}

// NotificationsEnabled reports whether the user accepts email.
func (p *UserProfile) NotificationsEnabled() bool {
	return p.EmailNotifications == nil || *p.EmailNotifications
}

// ProfileCache caches serialized profiles between lookups. Implemented
// by the Redis cache; nil disables caching.
type ProfileCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Users looks up user profiles from the user-preference service.
type Users struct {
	client  *serviceClient
	baseURL string
	cache   ProfileCache
	logger  *zap.Logger
}

// NewUsers creates a user service client. cache may be nil.
func NewUsers(baseURL string, cfg Config, cache ProfileCache, logger *zap.Logger) *Users {
	return &Users{
		client:  newServiceClient(cfg, logger),
		baseURL: baseURL,
		cache:   cache,
		logger:  logger,
	}
}

func profileCacheKey(userID string) string {
	return fmt.Sprintf("user_profiles:%s", userID)
}

// Get fetches a user profile, serving from cache when possible.
// Returns ErrNotFound when the user does not exist.
func (u *Users) Get(ctx context.Context, userID string) (*UserProfile, error) {
	if u.cache != nil {
		cached, err := u.cache.Get(ctx, profileCacheKey(userID))
		if err != nil {
			u.logger.Warn("profile cache read failed", zap.Error(err))
		} else if cached != nil {
			var profile UserProfile
			if err := json.Unmarshal(cached, &profile); err == nil {
				return &profile, nil
			}
		}
	}

	url := fmt.Sprintf("%s/api/v1/service/users/%s", u.baseURL, userID)

	var profile UserProfile
	if err := u.client.do(ctx, "GET", url, nil, &profile); err != nil {
		return nil, err
	}

	if u.cache != nil {
		if data, err := json.Marshal(&profile); err == nil {
			if err := u.cache.Set(ctx, profileCacheKey(userID), data); err != nil {
				u.logger.Warn("profile cache write failed", zap.Error(err))
			}
		}
	}

	return &profile, nil
}
