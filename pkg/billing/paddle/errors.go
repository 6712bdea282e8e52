package paddle

import "errors"

var (
	ErrMissingSecret    = errors.New("paddle: webhook secret is required")
	ErrInvalidSignature = errors.New("paddle: webhook signature verification failed")
	ErrMalformedEvent   = errors.New("paddle: malformed notification")
	ErrBodyTooLarge     = errors.New("paddle: notification body too large")
)
