// Package orchestrator 分支守卫求值
package orchestrator

import (
	"fmt"

	"github.com/expr-lang/expr"

	"caseflow/internal/model"
)

// successorResult 守卫求值结果
type successorResult struct {
	// StepIDs 被选中的后继步骤（保持定义顺序）
	StepIDs []string
	// Ambiguous 多条无守卫边命中，按定义顺序取第一条（需写告警审计）
	Ambiguous bool
}

// pickSuccessors 对步骤的全部出边求值，返回应当激活的后继步骤
//
// 求值规则：
//   - 有守卫的边：守卫为真则选中（多条可同时为真，形成并行分支）
//   - 无守卫的边：恒为真；但多条无守卫边构成歧义，只取定义顺序第一条
//   - 守卫求值出错按假处理（不阻断推进，留给审计排查）
func pickSuccessors(def *model.WorkflowDefinition, stepID string, context map[string]interface{}) *successorResult {
	result := &successorResult{}
	unguardedTaken := false

	for _, link := range def.LinksFrom(stepID) {
		if link.Guard == "" {
			if unguardedTaken {
				result.Ambiguous = true
				continue
			}
			unguardedTaken = true
			result.StepIDs = append(result.StepIDs, link.To)
			continue
		}

		ok, err := evalGuard(link.Guard, context)
		if err != nil || !ok {
			continue
		}
		result.StepIDs = append(result.StepIDs, link.To)
	}
	return result
}

// evalGuard 求值单条守卫表达式
//
// 未定义的变量按 nil 处理，表达式必须产出布尔值。
func evalGuard(guard string, context map[string]interface{}) (bool, error) {
	program, err := expr.Compile(guard, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile guard %q: %w", guard, err)
	}
	out, err := expr.Run(program, context)
	if err != nil {
		return false, fmt.Errorf("eval guard %q: %w", guard, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q produced non-boolean result", guard)
	}
	return b, nil
}
