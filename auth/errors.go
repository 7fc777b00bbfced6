package auth

import "errors"

// Typed authentication failures. Callers branch on these with errors.Is;
// none of them is fatal to the process.
var (
	// ErrInvalidChallenge means the challenge id is unknown, already
	// consumed or cancelled.
	ErrInvalidChallenge = errors.New("auth: invalid challenge")

	// ErrChallengeExpired means the challenge outlived its TTL before a
	// matching code arrived.
	ErrChallengeExpired = errors.New("auth: challenge expired")

	// ErrTooManyAttempts means the attempt ceiling was reached and the peer
	// now sits in a block cooldown.
	ErrTooManyAttempts = errors.New("auth: too many attempts")

	// ErrInvalidCode means the submitted code did not match. The challenge
	// stays live while attempts remain.
	ErrInvalidCode = errors.New("auth: invalid code")

	// ErrDeviceBlocked means the peer is inside a block cooldown and no new
	// challenge may be issued for it.
	ErrDeviceBlocked = errors.New("auth: device blocked")
)
