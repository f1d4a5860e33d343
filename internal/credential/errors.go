package credential

import "errors"

var (
	// ErrNotConnected is returned when the user has never authorized the
	// external calendar, so no credential exists.
	ErrNotConnected = errors.New("calendar account not connected")

	// ErrReauthorizationRequired is returned when the stored refresh token
	// was rejected by the provider and the user must reconnect the account.
	ErrReauthorizationRequired = errors.New("calendar reauthorization required")
)
