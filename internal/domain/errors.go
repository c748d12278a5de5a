package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidEntityID      = errors.New("entity id out of range")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrRejected             = errors.New("request rejected by twitch")
	ErrNoAccessToken        = errors.New("no access token")
	ErrCallbackInaccessible = errors.New("callback url is not reachable")
	ErrFeedInvalidated      = errors.New("change feed invalidated")
)
