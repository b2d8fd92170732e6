// Package metrics exposes subscription engine instrumentation.
package metrics

import "time"

// Collector receives engine instrumentation. Every method is keyed by the
// collection name configured on the subscription.
type Collector interface {
	// ObserveResponse counts one stream response by kind
	// (document_change, document_delete, document_remove, filter,
	// target_change, run_query).
	ObserveResponse(collection, kind string)
	ObserveTargetChange(collection, change string)
	ObserveEvent(collection, event string)
	// ObserveRestart counts stream teardowns followed by a new start.
	ObserveRestart(collection, reason string)
	ObserveBackoff(collection string, delay time.Duration)
	SetSynchronized(collection string, synchronized bool)
	SetDocuments(collection string, count int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) ObserveResponse(string, string)       {}
func (n *NopMetrics) ObserveTargetChange(string, string)   {}
func (n *NopMetrics) ObserveEvent(string, string)          {}
func (n *NopMetrics) ObserveRestart(string, string)        {}
func (n *NopMetrics) ObserveBackoff(string, time.Duration) {}
func (n *NopMetrics) SetSynchronized(string, bool)         {}
func (n *NopMetrics) SetDocuments(string, int)             {}
