// Package definition 流程定义领域服务
//
// validate.go 实现发布前的定义校验：
//   - 图结构：唯一 start、至少一个可达 terminal、无环、无孤岛
//   - 步骤约束：非 terminal 步骤必须有 SLA、checkpoint 必须有审核池
//   - 守卫表达式：发布时预编译，拒绝语法错误
//
// 歧义分支（同一源步骤多条无守卫出边）不阻断发布，
// 只产生告警，运行时按定义顺序取第一条并写审计。
package definition

import (
	"fmt"

	"github.com/expr-lang/expr"

	"caseflow/internal/model"
)

// ValidationResult 校验结果
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK 判断校验是否通过（告警不阻断发布）
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate 对流程定义做完整的发布前校验
func Validate(def *model.WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{}

	if len(def.Steps) == 0 {
		result.errorf("definition has no steps")
		return result
	}

	steps := make(map[string]*model.Step, len(def.Steps))
	var startID string
	startCount := 0
	terminalCount := 0

	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			result.errorf("step at index %d has empty id", i)
			continue
		}
		if _, dup := steps[s.ID]; dup {
			result.errorf("duplicate step id: %s", s.ID)
			continue
		}
		steps[s.ID] = s

		if s.Start {
			startCount++
			startID = s.ID
		}
		if s.IsTerminal() {
			terminalCount++
		}

		validateStep(s, result)
	}

	if startCount == 0 {
		result.errorf("definition has no start step")
	} else if startCount > 1 {
		result.errorf("definition has %d start steps, expected exactly one", startCount)
	}
	if terminalCount == 0 {
		result.errorf("definition has no terminal step")
	}

	// 边校验 + 邻接表
	adjacency := make(map[string][]string)
	unguarded := make(map[string]int)
	for i, l := range def.Links {
		if _, ok := steps[l.From]; !ok {
			result.errorf("link %d references unknown step: %s", i, l.From)
			continue
		}
		if _, ok := steps[l.To]; !ok {
			result.errorf("link %d references unknown step: %s", i, l.To)
			continue
		}
		adjacency[l.From] = append(adjacency[l.From], l.To)

		if l.Guard == "" {
			unguarded[l.From]++
		} else if err := validateGuard(l.Guard); err != nil {
			result.errorf("link %s -> %s has invalid guard: %v", l.From, l.To, err)
		}
	}

	// 歧义分支告警
	for from, n := range unguarded {
		if n > 1 {
			result.warnf("step %s has %d unguarded outgoing links; first in definition order wins at runtime", from, n)
		}
	}

	// terminal 步骤不应有出边
	for id, s := range steps {
		if s.IsTerminal() && len(adjacency[id]) > 0 {
			result.errorf("terminal step %s has outgoing links", id)
		}
	}

	if startID == "" || !result.OK() {
		return result
	}

	// 可达性：从 start 出发必须覆盖全部步骤，且至少可达一个 terminal
	reached := make(map[string]bool)
	reachTerminal := false
	var walk func(id string)
	walk = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		if steps[id].IsTerminal() {
			reachTerminal = true
		}
		for _, next := range adjacency[id] {
			walk(next)
		}
	}
	walk(startID)

	if !reachTerminal {
		result.errorf("no terminal step reachable from start step %s", startID)
	}
	for id := range steps {
		if !reached[id] {
			result.errorf("step %s is unreachable from start", id)
		}
	}

	// 环检测（三色 DFS）
	if cycle := findCycle(startID, adjacency); cycle != "" {
		result.errorf("definition contains a cycle through step %s", cycle)
	}

	return result
}

// validateStep 单步骤约束
func validateStep(s *model.Step, result *ValidationResult) {
	switch s.Kind {
	case model.StepKindServiceCall, model.StepKindAgentInvoke:
		if s.Target == "" {
			result.errorf("step %s (%s) requires a target topic", s.ID, s.Kind)
		}
		if s.SLADuration <= 0 {
			result.errorf("step %s (%s) requires a positive sla_duration", s.ID, s.Kind)
		}
	case model.StepKindHumanCheckpoint:
		if len(s.ReviewerPool) == 0 {
			result.errorf("step %s (human_checkpoint) requires a non-empty reviewer_pool", s.ID)
		}
		if s.CheckpointSLA > 0 && len(s.SecondaryPool) == 0 {
			result.warnf("step %s has a checkpoint sla but no secondary_pool; breach will only be audited", s.ID)
		}
	case model.StepKindTerminal:
		// 终止节点无额外约束
	default:
		result.errorf("step %s has unknown kind: %s", s.ID, s.Kind)
	}

	if s.OnFailure != "" && s.OnFailure != model.FailurePolicyRetry &&
		s.OnFailure != model.FailurePolicyEscalate && s.OnFailure != model.FailurePolicyFailInstance {
		result.errorf("step %s has unknown on_failure policy: %s", s.ID, s.OnFailure)
	}
	if s.OnSLABreach != "" && s.OnSLABreach != model.BreachPolicyEscalate && s.OnSLABreach != model.BreachPolicyRetry {
		result.errorf("step %s has unknown on_sla_breach policy: %s", s.ID, s.OnSLABreach)
	}
	if s.Join != "" && s.Join != model.JoinAll && s.Join != model.JoinAny {
		result.errorf("step %s has unknown join mode: %s", s.ID, s.Join)
	}
}

// validateGuard 预编译守卫表达式
func validateGuard(guard string) error {
	_, err := expr.Compile(guard, expr.AllowUndefinedVariables(), expr.AsBool())
	return err
}

// findCycle 返回环上的任意步骤 ID，无环返回空串
func findCycle(start string, adjacency map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	return visit(start)
}
