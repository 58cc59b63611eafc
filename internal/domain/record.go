package domain

// EventRecord is the persisted audit row for one envelope: the
// envelope itself plus the pipeline's processing bookkeeping.
type EventRecord struct {
	Envelope
	DeliveryID     string           `json:"delivery_id"`
	RequiresAction bool             `json:"requires_action"`
	Status         ProcessingStatus `json:"processing_status"`
	ProcessedBy    []string         `json:"processed_by_handler_names"`
}
