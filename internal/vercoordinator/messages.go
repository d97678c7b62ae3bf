package vercoordinator

import "github.com/gyuho/fdbcore/pkg/endpoint"

// ProxyID identifies a commit proxy within one recruitment generation.
type ProxyID uint64

// GetCommitVersionRequest is the per-commit-proxy ask for the next
// commit version in FIFO order (spec §6.2).
type GetCommitVersionRequest struct {
	ProxyID                       ProxyID
	RequestNum                    int64
	MostRecentProcessedRequestNum int64
}

// GetCommitVersionReply answers a GetCommitVersionRequest.
type GetCommitVersionReply struct {
	Version     int64
	PrevVersion int64
	RequestNum  int64
}

// ReportRawCommittedVersionRequest folds a commit proxy's view of the
// latest committed version into the coordinator's live-committed state.
type ReportRawCommittedVersionRequest struct {
	Version                  int64
	PrevVersion              *int64
	MinKnownCommittedVersion int64
	Locked                   bool
	MetadataVersion          []byte
}

// GetRawCommittedVersionReply answers a read-version request once it has
// cleared the tag throttler.
type GetRawCommittedVersionReply struct {
	Version                  int64
	Locked                   bool
	MetadataVersion          []byte
	MinKnownCommittedVersion int64
}

// UpdateRecoveryDataRequest installs a new recruitment generation's
// commit-proxy and resolver sets.
type UpdateRecoveryDataRequest struct {
	RecoveryTransactionVersion int64
	LastEpochEnd               int64
	CommitProxies              []ProxyID
	Resolvers                  []endpoint.Endpoint
	VersionEpoch               *int64
	PrimaryLocality            string
}
