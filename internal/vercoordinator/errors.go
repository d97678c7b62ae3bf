package vercoordinator

import "errors"

// ErrUnknownProxy is returned by GetCommitVersion when requestingProxy
// is not part of the current generation's registered commit-proxy set
// (spec §4.5, getCommitVersion contract item 1).
var ErrUnknownProxy = errors.New("vercoordinator: unknown commit proxy")
