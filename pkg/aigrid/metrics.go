package aigrid

// Metrics records reconciler outcomes.
type Metrics interface {
	// RecordTierChange records a mirrored profile tier moving between tiers.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordReconcile records one reconciler operation.
	// status: "success", "noop" or "error"
	RecordReconcile(operation, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTierChange(_, _, _ string) {}
func (n *NoopMetrics) RecordReconcile(_, _ string)     {}
