package domain

// InboundItem is one image delivered by the chat-transport layer. The
// orchestrator only ever holds PayloadRef, an opaque object-storage
// reference; the raw binary never crosses this boundary.
//
// GroupKey is the transport's album identifier. Items uploaded together as
// an album arrive individually, each carrying the same GroupKey; singleton
// uploads carry none.
type InboundItem struct {
	ItemID     string    `json:"item_id"`
	UserID     string    `json:"user_id"`
	GroupKey   string    `json:"group_key,omitempty"`
	PayloadRef string    `json:"payload_ref"`
	Operation  Operation `json:"operation"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
}

// Batch is the coalesced, ordered set of items the aggregator emits once a
// media group closes (or immediately, for singletons). All items share the
// same owning user; grouped batches also share GroupKey.
type Batch struct {
	UserID   string
	GroupKey string
	Items    []InboundItem
}

// WorkUnit is the message enqueued to the worker pool for one admitted
// item. Workers correlate results back solely by JobID.
type WorkUnit struct {
	JobID      string    `json:"job_id"`
	PayloadRef string    `json:"payload_ref"`
	Operation  Operation `json:"operation"`
	Attempt    int       `json:"attempt"`
}
