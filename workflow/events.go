package workflow

import "github.com/nahisaho/musubi/agent/events"

// 工作流执行器发布的事件
const (
	EventExecutionStarted   events.Type = "execution-started"
	EventExecutionCompleted events.Type = "execution-completed"
	EventExecutionFailed    events.Type = "execution-failed"
	EventExecutionPaused    events.Type = "execution-paused"
	EventExecutionResumed   events.Type = "execution-resumed"
	EventExecutionCancelled events.Type = "execution-cancelled"
	EventStepStarted        events.Type = "step-started"
	EventStepCompleted      events.Type = "step-completed"
	EventStepFailed         events.Type = "step-failed"
	EventStepSkipped        events.Type = "step-skipped"
	EventStepRetry          events.Type = "step-retry"
	EventCheckpoint         events.Type = "checkpoint"
	EventRollback           events.Type = "rollback"
	EventReviewRequired     events.Type = "review-required"
	EventManualIntervention events.Type = "manual-intervention-required"
	EventWarning            events.Type = "warning"
	EventErrorLogged        events.Type = "error-logged"
)

// eventSource 事件来源名
const eventSource = "workflow"
