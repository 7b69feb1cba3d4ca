// Package translator maps raw IEC-104 APDUs to application messages and back,
// driving the correlation cache on every transition. All mapping decisions
// are steered by an immutable SubscriptionPolicy.
package translator

import "errors"

// ErrCombineNotImplemented is returned when a policy enables multi-IOA reply
// accumulation, which the hub does not support yet.
var ErrCombineNotImplemented = errors.New("translator: combine_IOs is not implemented")

// SubscriptionPolicy selects which protocol traffic becomes subscriber-visible
// messages and how irregular traffic is treated. The zero value is NOT a
// usable policy; start from DefaultPolicy.
//
// A policy is fixed at construction. Changing one means building a new
// Translator.
type SubscriptionPolicy struct {
	// SFrames and UFrames publish flow-control frames to subscribers.
	SFrames bool
	UFrames bool
	// Acks forwards ACT_CON/DEACT_CON confirmations to subscribers. Cache
	// transitions happen regardless.
	Acks bool
	// CombineIOs accumulates multi-IOA read replies into one message.
	// Enabling it is rejected by Validate.
	CombineIOs bool
	// CombinePeriodicIOs batches cyclic measurements over a bounded window
	// instead of publishing every arrival.
	CombinePeriodicIOs bool
	// IndependentClockSync publishes clock syncs nobody asked for.
	IndependentClockSync bool
	// IgnoreUnknownCOTDataPoints silently drops data points whose cause of
	// transmission is unrecognized.
	IgnoreUnknownCOTDataPoints bool
	// IgnoreQuality treats any quality descriptor as good.
	IgnoreQuality bool
	// RaiseUnsupported aborts the receive path on APDUs outside the
	// supported type set instead of logging and dropping them.
	RaiseUnsupported bool
	// RaiseInvalid aborts on APDUs that violate IEC-104 shape rules
	// (IOA cardinality, GlobalCOA on a non-compatible type).
	RaiseInvalid bool
	// StrictClockSyncTerm insists on ACT_TERM for clock synchronization.
	// The standard leaves the termination optional; most RTUs skip it.
	StrictClockSyncTerm bool
}

// DefaultPolicy returns the policy the hub ships with.
func DefaultPolicy() SubscriptionPolicy {
	return SubscriptionPolicy{
		Acks:                       true,
		CombinePeriodicIOs:         true,
		IgnoreUnknownCOTDataPoints: true,
		IgnoreQuality:              true,
		RaiseInvalid:               true,
	}
}

// Validate rejects option combinations the hub cannot honor.
func (p SubscriptionPolicy) Validate() error {
	if p.CombineIOs {
		return ErrCombineNotImplemented
	}
	return nil
}
