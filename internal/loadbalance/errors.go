package loadbalance

import "errors"

// Sentinel errors classify how a transport attempt failed (spec §4.3).
// Transports and LoadBalancedReply implementations report one of these
// (via errors.Is, so callers may wrap them with additional context) to
// drive the hedge/retry state machine; any other error is treated as a
// definite, non-retriable failure.
var (
	// ErrBrokenPromise means the transport gave up on the attempt before
	// any reply arrived (connection reset, dial failure): the request may
	// or may not have reached the server.
	ErrBrokenPromise = errors.New("loadbalance: broken promise")

	// ErrRequestMaybeDelivered is the reply-side equivalent of
	// ErrBrokenPromise: the server's own bookkeeping could not confirm
	// whether a prior attempt of this request was applied.
	ErrRequestMaybeDelivered = errors.New("loadbalance: request maybe delivered")

	// ErrServerOverloaded means the endpoint answered but declined the
	// request due to load; the caller moves on to the next alternative,
	// and the attempt counts toward triedAllOptions like any other retry.
	ErrServerOverloaded = errors.New("loadbalance: server overloaded")

	// ErrFutureVersion means the endpoint cannot yet serve the requested
	// version; the caller should retry, optionally on a different
	// alternative, and the endpoint should be debounced briefly.
	ErrFutureVersion = errors.New("loadbalance: future version")

	// ErrProcessBehind is like ErrFutureVersion but indicates the process
	// itself is lagging (not just this particular read version).
	ErrProcessBehind = errors.New("loadbalance: process behind")

	// ErrAllAlternativesFailed is returned when a fresh (authoritative)
	// but empty alternatives set is presented: there is no endpoint to
	// wait on becoming healthy.
	ErrAllAlternativesFailed = errors.New("loadbalance: all alternatives failed")
)
