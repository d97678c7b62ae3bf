package loadbalance

// LoadBalancedReply is an optional interface a Rep type may implement to
// carry a self-reported penalty and/or an in-band error alongside a
// successful transport-level delivery (spec §3, "reply headers"). A Rep
// that does not implement this interface is judged purely on the error
// TryGetReply returns: nil means success, non-nil is classified the same
// way an in-band error would be.
type LoadBalancedReply interface {
	// LBPenalty reports the server's self-assessed load penalty, or a
	// negative value to leave the model's existing penalty unchanged.
	LBPenalty() float64

	// LBError returns the in-band error carried by this reply, or nil.
	LBError() error
}
