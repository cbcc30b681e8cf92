package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/types"
)

// ErrorMode 顺序模式的错误处理方式
type ErrorMode string

const (
	// StopOnError 任一步骤失败即终止整个执行
	StopOnError ErrorMode = "stopOnError"
	// ContinueOnError 记录失败并继续，后续步骤沿用最近一次成功的输出
	ContinueOnError ErrorMode = "continueOnError"
	// RetryOnError 按线性退避重试，耗尽后按 StopOnError 处理
	RetryOnError ErrorMode = "retryOnError"
)

const (
	defaultSequentialRetries = 3
	defaultSequentialDelay   = time.Second
)

// SequentialInput 顺序模式输入
type SequentialInput struct {
	Skills        []string  `mapstructure:"skills" json:"skills"`
	InitialInput  any       `mapstructure:"initialInput" json:"initialInput,omitempty"`
	ErrorHandling ErrorMode `mapstructure:"errorHandling" json:"errorHandling,omitempty"`
	// MaxRetries nil 表示使用模式默认值，0 表示不重试
	MaxRetries *int          `mapstructure:"maxRetries" json:"maxRetries,omitempty"`
	RetryDelay time.Duration `mapstructure:"retryDelay" json:"retryDelay,omitempty"`

	// TransformOutput 在输出传给下一个技能前调整它
	TransformOutput func(output any, index int, skill string) any `mapstructure:"-" json:"-"`
}

// StepResult 单个技能的执行记录
type StepResult struct {
	Index    int           `json:"index"`
	Skill    string        `json:"skill"`
	Success  bool          `json:"success"`
	Input    any           `json:"input,omitempty"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Summary 执行汇总
type Summary struct {
	TotalSteps   int    `json:"totalSteps"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	SuccessRate  string `json:"successRate"`
	AllCompleted bool   `json:"allCompleted"`
	HasFailed    bool   `json:"hasFailed"`
}

// SequentialResult 顺序模式输出
type SequentialResult struct {
	Results     []StepResult `json:"results"`
	Summary     Summary      `json:"summary"`
	FinalOutput any          `json:"finalOutput"`
}

// Sequential 线性流水线模式
type Sequential struct {
	mode       ErrorMode
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// SequentialOption 配置 Sequential
type SequentialOption func(*Sequential)

// WithErrorMode 默认错误处理方式
func WithErrorMode(m ErrorMode) SequentialOption {
	return func(s *Sequential) { s.mode = m }
}

// WithRetry 默认重试次数与基础延迟
func WithRetry(maxRetries int, delay time.Duration) SequentialOption {
	return func(s *Sequential) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// NewSequential 创建顺序模式
func NewSequential(logger *zap.Logger, opts ...SequentialOption) *Sequential {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sequential{
		mode:       StopOnError,
		maxRetries: defaultSequentialRetries,
		retryDelay: defaultSequentialDelay,
		logger:     logger.With(zap.String("component", "sequential_pattern")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Descriptor 实现 Pattern
func (s *Sequential) Descriptor() PatternDescriptor {
	return PatternDescriptor{
		Name:        PatternSequential,
		Type:        "sequential",
		Description: "Executes skills in order, passing each output to the next skill",
		Version:     "1.0.0",
		Tags:        []string{"pipeline", "chain", "linear"},
		UseCases:    []string{"data transformation pipelines", "multi-stage processing"},
		Complexity:  ComplexityLow,
	}
}

// Execute 实现 Pattern
func (s *Sequential) Execute(ctx context.Context, pc *Context, e *Engine) (any, error) {
	in, err := s.decodeInput(pc.Input)
	if err != nil {
		return nil, err
	}
	for _, name := range in.Skills {
		if _, ok := e.GetSkill(name); !ok {
			return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown skill %q", name)).
				WithCause(ErrSkillNotFound)
		}
	}

	e.Emit(EventSequentialStarted, pc.ID, map[string]any{
		"skills": in.Skills,
		"mode":   string(in.ErrorHandling),
	})
	s.logger.Debug("sequential started", zap.Strings("skills", in.Skills), zap.String("mode", string(in.ErrorHandling)))

	results := make([]StepResult, 0, len(in.Skills))
	current := in.InitialInput
	for i, name := range in.Skills {
		if err := ctx.Err(); err != nil {
			return buildResult(results, len(in.Skills), current), err
		}

		e.Emit(EventSequentialStepStarted, pc.ID, map[string]any{"step": i, "skill": name})
		start := time.Now()
		out, attempts, err := s.runStep(ctx, e, pc, in, i, name, current)
		res := StepResult{
			Index:    i,
			Skill:    name,
			Success:  err == nil,
			Input:    current,
			Output:   out,
			Attempts: attempts,
			Duration: time.Since(start),
		}

		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			e.Emit(EventSequentialStepFailed, pc.ID, map[string]any{
				"step":     i,
				"skill":    name,
				"error":    err.Error(),
				"attempts": attempts,
			})
			if in.ErrorHandling == ContinueOnError {
				s.logger.Warn("sequential step failed, continuing", zap.String("skill", name), zap.Error(err))
				continue
			}
			return buildResult(results, len(in.Skills), current),
				types.NewError(types.ErrPatternFailed, fmt.Sprintf("sequential step %d (%s) failed", i, name)).
					WithCause(err).
					WithDetail("step", i).
					WithDetail("skill", name)
		}

		if in.TransformOutput != nil {
			out = in.TransformOutput(out, i, name)
			res.Output = out
		}
		current = out
		results = append(results, res)
		e.Emit(EventSequentialStepCompleted, pc.ID, map[string]any{
			"step":       i,
			"skill":      name,
			"durationMs": res.Duration.Milliseconds(),
		})
	}

	result := buildResult(results, len(in.Skills), current)
	e.Emit(EventSequentialCompleted, pc.ID, map[string]any{
		"summary": result.Summary,
	})
	return result, nil
}

func (s *Sequential) runStep(ctx context.Context, e *Engine, pc *Context, in *SequentialInput, index int, name string, input any) (any, int, error) {
	attempt := 0
	for {
		attempt++
		out, err := e.ExecuteSkill(ctx, name, input, pc)
		if err == nil {
			return out, attempt, nil
		}
		if in.ErrorHandling != RetryOnError || attempt > *in.MaxRetries || ctx.Err() != nil {
			return nil, attempt, err
		}

		delay := in.RetryDelay * time.Duration(attempt)
		e.Emit(EventSequentialStepRetry, pc.ID, map[string]any{
			"step":    index,
			"skill":   name,
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		})
		s.logger.Debug("retrying sequential step", zap.String("skill", name), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// decodeInput 接受 SequentialInput、*SequentialInput 或通用记录
func (s *Sequential) decodeInput(raw any) (*SequentialInput, error) {
	var in SequentialInput
	switch v := raw.(type) {
	case SequentialInput:
		in = v
	case *SequentialInput:
		if v == nil {
			return nil, types.NewError(types.ErrValidation, "sequential input is required")
		}
		in = *v
	case map[string]any:
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &in,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(v); err != nil {
			return nil, types.NewError(types.ErrValidation, "invalid sequential input").WithCause(err)
		}
	default:
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unsupported sequential input %T", raw))
	}

	if len(in.Skills) == 0 {
		return nil, types.NewError(types.ErrValidation, "sequential pattern requires at least one skill")
	}
	if in.ErrorHandling == "" {
		in.ErrorHandling = s.mode
	}
	switch in.ErrorHandling {
	case StopOnError, ContinueOnError, RetryOnError:
	default:
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown error handling mode %q", in.ErrorHandling))
	}
	if in.MaxRetries == nil || *in.MaxRetries < 0 {
		retries := s.maxRetries
		in.MaxRetries = &retries
	}
	if in.RetryDelay <= 0 {
		in.RetryDelay = s.retryDelay
	}
	return &in, nil
}

func buildResult(results []StepResult, total int, final any) *SequentialResult {
	completed, failed := 0, 0
	for _, r := range results {
		if r.Success {
			completed++
		} else {
			failed++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = float64(completed) / float64(total) * 100
	}
	return &SequentialResult{
		Results: results,
		Summary: Summary{
			TotalSteps:   total,
			Completed:    completed,
			Failed:       failed,
			SuccessRate:  fmt.Sprintf("%.1f%%", rate),
			AllCompleted: completed == total,
			HasFailed:    failed > 0,
		},
		FinalOutput: final,
	}
}
