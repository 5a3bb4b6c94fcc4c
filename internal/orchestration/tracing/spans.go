package tracing

// Span attribute keys for task-execution-pipeline tracing.
// These constants define the semantic conventions for span attributes
// across the state machine, the PM orchestrator, and the worker agent.
const (
	// Task attributes
	AttrTaskID          = "task.id"
	AttrTaskPriority    = "task.priority"
	AttrTransitionFrom  = "task.transition.from"
	AttrTransitionTo    = "task.transition.to"
	AttrTransitionActor = "task.transition.actor"

	// Project/phase attributes
	AttrProjectID = "project.id"
	AttrPhaseID   = "phase.id"

	// Worker attributes
	AttrWorkerID   = "worker.id"
	AttrReviewerID = "worker.reviewer_id"

	// Scheduling attributes
	AttrReadyCount  = "scheduling.ready_count"
	AttrIdleCount   = "scheduling.idle_count"
	AttrPairedCount = "scheduling.paired_count"

	// Execution/review attributes
	AttrResultType = "result.type"
	AttrSuccess    = "result.success"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// SpanKind constants for categorizing span types.
const (
	SpanKindTransition = "transition"
	SpanKindScheduling = "scheduling"
	SpanKindExecution  = "execution"
	SpanKindReview     = "review"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTransition = "task.transition."
	SpanPrefixScheduling = "pm.scheduling."
	SpanPrefixWorker     = "worker."
)

// Event names for span events.
const (
	EventTransitionValidated = "transition.validated"
	EventTaskQueued          = "task.queued"
	EventTaskPromoted        = "task.promoted"
	EventReviewerAssigned    = "reviewer.assigned"
	EventErrorOccurred       = "error.occurred"
)
