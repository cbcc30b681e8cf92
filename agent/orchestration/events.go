package orchestration

import "github.com/nahisaho/musubi/agent/events"

// 引擎事件
const (
	EventPatternRegistered        events.Type = "patternRegistered"
	EventSkillRegistered          events.Type = "skillRegistered"
	EventExecutionStarted         events.Type = "executionStarted"
	EventExecutionCompleted       events.Type = "executionCompleted"
	EventExecutionFailed          events.Type = "executionFailed"
	EventExecutionCancelled       events.Type = "executionCancelled"
	EventSkillExecutionStarted    events.Type = "skillExecutionStarted"
	EventSkillExecutionCompleted  events.Type = "skillExecutionCompleted"
	EventSkillExecutionFailed     events.Type = "skillExecutionFailed"
	EventHumanValidationRequested events.Type = "humanValidationRequested"
)

// 顺序模式事件
const (
	EventSequentialStarted       events.Type = "sequential:started"
	EventSequentialStepStarted   events.Type = "sequential:step:started"
	EventSequentialStepCompleted events.Type = "sequential:step:completed"
	EventSequentialStepFailed    events.Type = "sequential:step:failed"
	EventSequentialStepRetry     events.Type = "sequential:step:retry"
	EventSequentialCompleted     events.Type = "sequential:completed"
)

const eventSource = "orchestration"
