package orchestrator

import "errors"

var (
	// ErrInsufficientCredit is returned when a debit would make a balance negative.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrNoHealthyProxy is returned by Acquire when no proxy is eligible right now.
	ErrNoHealthyProxy = errors.New("no healthy proxy")

	// ErrNoProxyAvailable is the terminal form of ErrNoHealthyProxy once a job
	// has exhausted its deferrals.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrQueueClosed is returned once the queue is shutting down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrAlreadyRefunded guards against refunding the same job twice.
	ErrAlreadyRefunded = errors.New("already refunded")

	// ErrNotDebited is returned when refunding a job that was never charged.
	ErrNotDebited = errors.New("job was not debited")

	// ErrLimitReached is returned when the daily verification window is exhausted.
	ErrLimitReached = errors.New("daily limit reached")

	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrAccountNotFound is returned for unknown users.
	ErrAccountNotFound = errors.New("account not found")

	// ErrVoucherInvalid is returned for unknown voucher codes.
	ErrVoucherInvalid = errors.New("voucher invalid")

	// ErrVoucherExpired is returned for vouchers past their expiry.
	ErrVoucherExpired = errors.New("voucher expired")

	// ErrVoucherLimitReached is returned when a voucher has no redemptions left
	// or the user already redeemed it.
	ErrVoucherLimitReached = errors.New("voucher redemption limit reached")

	// ErrSelfReferral is returned when a user applies their own referral code.
	ErrSelfReferral = errors.New("cannot refer yourself")

	// ErrAlreadyReferred is returned when a user already has a referrer.
	ErrAlreadyReferred = errors.New("referrer already set")

	// ErrRateLimited is returned when a user submits faster than allowed.
	ErrRateLimited = errors.New("too many submissions")

	// ErrReferralCodeUnknown is returned when no account owns the code.
	ErrReferralCodeUnknown = errors.New("referral code unknown")
)
