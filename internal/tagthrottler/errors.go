package tagthrottler

import "errors"

// ErrImmediatePriorityBypassesThrottler is returned by AddRequest for a
// request carrying PriorityImmediate: immediate-priority reads must
// bypass the tag throttler entirely and never reach its queues (spec
// §4.6, "immediate priority bypasses this component").
var ErrImmediatePriorityBypassesThrottler = errors.New("tagthrottler: immediate priority request must bypass the throttler")

// ErrNoTag is returned by AddRequest for a request with no tags at all.
var ErrNoTag = errors.New("tagthrottler: request carries no tag")
