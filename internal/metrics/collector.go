package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/guardrails"
	"github.com/nahisaho/musubi/agent/handoff"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/agent/triage"
	"github.com/nahisaho/musubi/internal/values"
	"github.com/nahisaho/musubi/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 护栏指标
	guardrailChecksTotal *prometheus.CounterVec
	guardrailDuration    *prometheus.HistogramVec

	// 工作流指标
	workflowExecutionsTotal *prometheus.CounterVec
	workflowDuration        *prometheus.HistogramVec
	workflowStepsTotal      *prometheus.CounterVec
	workflowStepRetries     *prometheus.CounterVec

	// 编排指标
	patternExecutionsTotal *prometheus.CounterVec
	patternDuration        *prometheus.HistogramVec
	skillExecutionsTotal   *prometheus.CounterVec
	humanValidationsTotal  prometheus.Counter

	// 交接与分诊指标
	handoffsTotal      *prometheus.CounterVec
	triageResultsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 护栏指标
	c.guardrailChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_checks_total",
			Help:      "Total number of guardrail checks",
		},
		[]string{"guardrail", "result"}, // result: passed, failed, tripwire
	)

	c.guardrailDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guardrail_check_duration_seconds",
			Help:      "Guardrail check duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"guardrail"},
	)

	// 工作流指标
	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by final state",
		},
		[]string{"workflow", "state"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"workflow"},
	)

	c.workflowStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of recorded workflow step results",
		},
		[]string{"type", "result"}, // result: success, failure
	)

	c.workflowStepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Total number of workflow step retries",
		},
		[]string{"workflow"},
	)

	// 编排指标
	c.patternExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_executions_total",
			Help:      "Total number of orchestration pattern executions",
		},
		[]string{"pattern", "status"},
	)

	c.patternDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pattern_execution_duration_seconds",
			Help:      "Orchestration pattern execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"pattern"},
	)

	c.skillExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_executions_total",
			Help:      "Total number of skill executions",
		},
		[]string{"skill", "status"},
	)

	c.humanValidationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "human_validations_requested_total",
			Help:      "Total number of human validation requests",
		},
	)

	// 交接与分诊指标
	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of agent handoffs",
		},
		[]string{"target", "status"},
	)

	c.triageResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_classifications_total",
			Help:      "Total number of triage classifications by category",
		},
		[]string{"category"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔌 事件订阅
// =============================================================================

// Attach 订阅总线上的全部事件，返回订阅 ID
func (c *Collector) Attach(bus events.Bus) string {
	return bus.SubscribeAll(c.Handle)
}

// Handle 按事件类型记录指标，未知事件忽略
func (c *Collector) Handle(ev events.Event) {
	switch ev.Type {
	case guardrails.EventGuardrailPassed:
		c.RecordGuardrail(str(ev, "guardrail"), "passed", millis(ev, "executionTimeMs"))
	case guardrails.EventGuardrailFailed:
		c.RecordGuardrail(str(ev, "guardrail"), "failed", millis(ev, "executionTimeMs"))
	case guardrails.EventGuardrailTripwire:
		c.RecordGuardrail(str(ev, "guardrail"), "tripwire", millis(ev, "executionTimeMs"))

	case workflow.EventExecutionCompleted:
		c.RecordWorkflowExecution(str(ev, "workflowId"), "completed", millis(ev, "durationMs"))
	case workflow.EventExecutionFailed:
		c.RecordWorkflowExecution(str(ev, "workflowId"), "failed", millis(ev, "durationMs"))
	case workflow.EventExecutionCancelled:
		c.RecordWorkflowExecution(str(ev, "workflowId"), "cancelled", millis(ev, "durationMs"))
	case workflow.EventStepCompleted:
		c.RecordWorkflowStep(str(ev, "type"), values.Truthy(ev.Get("success")))
	case workflow.EventStepRetry:
		c.workflowStepRetries.WithLabelValues(str(ev, "workflowId")).Inc()

	case orchestration.EventExecutionCompleted:
		c.RecordPatternExecution(str(ev, "pattern"), "completed", millis(ev, "durationMs"))
	case orchestration.EventExecutionFailed:
		c.RecordPatternExecution(str(ev, "pattern"), "failed", millis(ev, "durationMs"))
	case orchestration.EventExecutionCancelled:
		c.RecordPatternExecution(str(ev, "pattern"), "cancelled", millis(ev, "durationMs"))
	case orchestration.EventSkillExecutionCompleted:
		c.skillExecutionsTotal.WithLabelValues(str(ev, "skill"), "completed").Inc()
	case orchestration.EventSkillExecutionFailed:
		c.skillExecutionsTotal.WithLabelValues(str(ev, "skill"), "failed").Inc()
	case orchestration.EventHumanValidationRequested:
		c.humanValidationsTotal.Inc()

	case handoff.EventCompleted:
		c.RecordHandoff(str(ev, "targetAgent"), "completed")
	case handoff.EventFailed:
		c.RecordHandoff(str(ev, "targetAgent"), "failed")
	case triage.EventClassified:
		c.RecordTriage(str(ev, "category"))
	}
}

// =============================================================================
// 🎯 指标记录
// =============================================================================

// RecordGuardrail 记录护栏检查
func (c *Collector) RecordGuardrail(guardrail, result string, duration time.Duration) {
	c.guardrailChecksTotal.WithLabelValues(guardrail, result).Inc()
	c.guardrailDuration.WithLabelValues(guardrail).Observe(duration.Seconds())
}

// RecordWorkflowExecution 记录工作流执行终态
func (c *Collector) RecordWorkflowExecution(workflow, state string, duration time.Duration) {
	c.workflowExecutionsTotal.WithLabelValues(workflow, state).Inc()
	c.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordWorkflowStep 记录步骤结果
func (c *Collector) RecordWorkflowStep(stepType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.workflowStepsTotal.WithLabelValues(stepType, result).Inc()
}

// RecordPatternExecution 记录模式执行
func (c *Collector) RecordPatternExecution(pattern, status string, duration time.Duration) {
	c.patternExecutionsTotal.WithLabelValues(pattern, status).Inc()
	c.patternDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// RecordHandoff 记录交接
func (c *Collector) RecordHandoff(target, status string) {
	if target == "" {
		target = "unknown"
	}
	c.handoffsTotal.WithLabelValues(target, status).Inc()
}

// RecordTriage 记录分诊类别
func (c *Collector) RecordTriage(category string) {
	c.triageResultsTotal.WithLabelValues(category).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func str(ev events.Event, key string) string {
	s, _ := ev.Get(key).(string)
	return strings.TrimSpace(s)
}

// millis 把毫秒数字段转换为 Duration
func millis(ev events.Event, key string) time.Duration {
	f, ok := values.ToFloat(ev.Get(key))
	if !ok || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Millisecond))
}
