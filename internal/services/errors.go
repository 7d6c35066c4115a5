// Package services defines the business logic for session ingestion, sync
// orchestration, and webhook processing. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrSessionNotFound indicates that the requested session does not exist
	// or is not accessible to the current user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMissingSignature is returned when webhook verification is
	// configured but the request carried no signature header.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrBadSignature is returned when the webhook signature does not match
	// the HMAC of the raw request body.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrBadToken is returned when the simple-callback shared secret does
	// not match the configured sync token.
	ErrBadToken = errors.New("invalid sync token")

	// ErrEmptyPayload is returned when a webhook body is empty or not JSON.
	ErrEmptyPayload = errors.New("empty or malformed payload")

	// ErrNoAgent is returned when web-call creation is requested with no
	// provider agent configured.
	ErrNoAgent = errors.New("no provider agent configured")

	// ErrWebCallFailed is returned when every provider create-web-call
	// endpoint failed to produce a call record.
	ErrWebCallFailed = errors.New("provider did not create a web call")
)
