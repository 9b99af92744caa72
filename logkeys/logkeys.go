// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	OrderID      = "order_id"
	OperatorID   = "operator_id"
	OperatorName = "operator_name"

	// workflow step name (see execution.Step).
	Step = "step"

	// step the engine rolled back to after a failed transition.
	RollbackStep = "rollback_step"

	ProductIndex = "product_index"
	ProductID    = "product_id"

	// ExecutionRecord snapshot sequence number.
	Seq = "seq"

	// offline queue logical channel and entry id.
	Channel = "channel"
	EntryID = "entry_id"

	MediaID = "media_id"
	Device  = "device"

	OrderStatus = "order_status"
	Outcome     = "outcome"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
