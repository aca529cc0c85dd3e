// Package model 定义核心数据模型
//
// context.go 定义实例上下文的合并规则。
// 上下文是带显式合并语义的键值映射（同键后写覆盖），
// 而不是随意透传的无类型数据团，保证分支守卫求值可确定。
package model

import (
	"encoding/json"
	"log"
)

// MergeContext 合并两份 JSON 对象上下文，patch 中的键覆盖 base 中的同名键
//
// 合并是浅合并：值级别整体替换，不做深层递归。
// base/patch 为空或非法 JSON 对象时按空对象处理。
func MergeContext(base, patch json.RawMessage) json.RawMessage {
	merged := decodeObject(base)
	for k, v := range decodeObject(patch) {
		merged[k] = v
	}
	if len(merged) == 0 {
		return json.RawMessage(`{}`)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}

// ContextMap 将上下文解码为 map 供守卫表达式求值，非法输入返回空 map
func ContextMap(ctx json.RawMessage) map[string]interface{} {
	return decodeObject(ctx)
}

func decodeObject(raw json.RawMessage) map[string]interface{} {
	m := map[string]interface{}{}
	if len(raw) == 0 {
		return m
	}
	// 解码失败按空对象处理，守卫会在空上下文上求值
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("[context.decode.failed] error=%v", err)
	}
	return m
}
