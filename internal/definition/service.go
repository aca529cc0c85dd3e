// Package definition 流程定义领域服务
package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gopkg.in/yaml.v3"

	"caseflow/internal/model"
	"caseflow/internal/shared/cache"
	"caseflow/internal/shared/storage"
)

// Service 流程定义领域服务
//
// 负责定义的草稿管理、发布校验与读取。
// 已发布定义不可变，因此可安全进缓存（cache 可为 nil，直查数据库）。
type Service struct {
	store    storage.PersistentStore
	defCache cache.DefinitionCache
}

// NewService 创建定义服务
func NewService(store storage.PersistentStore, defCache cache.DefinitionCache) *Service {
	return &Service{store: store, defCache: defCache}
}

// CreateDraft 创建新草稿
//
// 版本号自动分配为该定义 ID 下的最新版本 +1（首个版本为 1）。
func (s *Service) CreateDraft(ctx context.Context, def *model.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: definition id is required", storage.ErrValidation)
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	latest, err := s.store.GetLatestVersion(ctx, def.ID)
	if err != nil {
		return err
	}
	def.Version = latest + 1
	def.Status = model.DefinitionStatusDraft
	def.CreatedAt = time.Now()
	def.PublishedAt = nil

	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return err
	}
	log.Printf("[definition.draft.created] id=%s version=%d steps=%d", def.ID, def.Version, len(def.Steps))
	return nil
}

// UpdateDraft 更新草稿内容（仅 draft 行可改，published 返回冲突）
func (s *Service) UpdateDraft(ctx context.Context, def *model.WorkflowDefinition) error {
	return s.store.UpdateDraftDefinition(ctx, def)
}

// Publish 发布草稿
//
// 校验通过后将 draft 行置为 published，并在同一事务内写入审计记录。
// 校验失败返回 ErrValidation 包装的错误，携带完整错误列表。
func (s *Service) Publish(ctx context.Context, id string, version int) (*model.WorkflowDefinition, *ValidationResult, error) {
	def, err := s.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, nil, err
	}

	result := Validate(def)
	if !result.OK() {
		return nil, result, fmt.Errorf("%w: definition %s v%d has %d validation errors",
			storage.ErrValidation, id, version, len(result.Errors))
	}

	now := time.Now()
	err = s.store.WithTx(ctx, func(tx storage.PersistentStore) error {
		if err := tx.MarkDefinitionPublished(ctx, id, version, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditRecord{
			InstanceID: id,
			EventType:  model.AuditDefinitionPublished,
			Detail: model.AuditDetail{
				Definition: id,
				Version:    version,
			}.Marshal(),
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, result, err
	}

	def.Status = model.DefinitionStatusPublished
	def.PublishedAt = &now

	for _, w := range result.Warnings {
		log.Printf("[definition.publish.warning] id=%s version=%d warning=%q", id, version, w)
	}
	log.Printf("[definition.published] id=%s version=%d steps=%d links=%d",
		id, version, len(def.Steps), len(def.Links))
	return def, result, nil
}

// Get 读取指定版本的定义（缓存直读，未命中回源数据库）
//
// 只有 published 定义进缓存：draft 可变，必须直查数据库。
func (s *Service) Get(ctx context.Context, id string, version int) (*model.WorkflowDefinition, error) {
	if s.defCache != nil {
		if data, err := s.defCache.GetDefinition(ctx, id, version); err == nil && data != nil {
			var def model.WorkflowDefinition
			if err := json.Unmarshal(data, &def); err == nil {
				return &def, nil
			}
		}
	}

	def, err := s.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}

	if s.defCache != nil && def.Status == model.DefinitionStatusPublished {
		if data, err := json.Marshal(def); err == nil {
			if err := s.defCache.SetDefinition(ctx, id, version, data); err != nil {
				log.Printf("[definition.cache.set.failed] id=%s version=%d error=%v", id, version, err)
			}
		}
	}
	return def, nil
}

// GetLatestPublished 读取某定义的最新已发布版本
func (s *Service) GetLatestPublished(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return s.store.GetLatestPublished(ctx, id)
}

// List 列出定义（status 为空时不过滤）
func (s *Service) List(ctx context.Context, status string) ([]*model.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, status)
}

// ============================================================================
// YAML 定义文档
// ============================================================================

// stepSpec YAML 文档中的步骤（时长字段用字符串表示，如 "5m"）
type stepSpec struct {
	ID            string   `yaml:"id"`
	Kind          string   `yaml:"kind"`
	Target        string   `yaml:"target"`
	SLA           string   `yaml:"sla"`
	Start         bool     `yaml:"start"`
	Terminal      bool     `yaml:"terminal"`
	RetryLimit    int      `yaml:"retry_limit"`
	OnFailure     string   `yaml:"on_failure"`
	OnSLABreach   string   `yaml:"on_sla_breach"`
	Join          string   `yaml:"join"`
	ReviewerPool  []string `yaml:"reviewer_pool"`
	SecondaryPool []string `yaml:"secondary_pool"`
	CheckpointSLA string   `yaml:"checkpoint_sla"`
}

type linkSpec struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Guard string `yaml:"guard"`
}

type definitionSpec struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Steps []stepSpec `yaml:"steps"`
	Links []linkSpec `yaml:"links"`
}

// ParseYAML 解析 YAML 定义文档为领域模型
//
// 文档用字符串时长（"30s"、"5m"）；解析失败返回 ErrValidation 包装的错误。
func ParseYAML(raw []byte) (*model.WorkflowDefinition, error) {
	var spec definitionSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: invalid yaml: %v", storage.ErrValidation, err)
	}

	def := &model.WorkflowDefinition{
		ID:   spec.ID,
		Name: spec.Name,
	}
	for _, ss := range spec.Steps {
		step := model.Step{
			ID:            ss.ID,
			Kind:          model.StepKind(ss.Kind),
			Target:        ss.Target,
			Start:         ss.Start,
			Terminal:      ss.Terminal,
			RetryLimit:    ss.RetryLimit,
			OnFailure:     model.FailurePolicy(ss.OnFailure),
			OnSLABreach:   model.BreachPolicy(ss.OnSLABreach),
			Join:          model.JoinMode(ss.Join),
			ReviewerPool:  ss.ReviewerPool,
			SecondaryPool: ss.SecondaryPool,
		}
		if ss.SLA != "" {
			d, err := time.ParseDuration(ss.SLA)
			if err != nil {
				return nil, fmt.Errorf("%w: step %s has invalid sla %q: %v", storage.ErrValidation, ss.ID, ss.SLA, err)
			}
			step.SLADuration = d
		}
		if ss.CheckpointSLA != "" {
			d, err := time.ParseDuration(ss.CheckpointSLA)
			if err != nil {
				return nil, fmt.Errorf("%w: step %s has invalid checkpoint_sla %q: %v", storage.ErrValidation, ss.ID, ss.CheckpointSLA, err)
			}
			step.CheckpointSLA = d
		}
		def.Steps = append(def.Steps, step)
	}
	for _, ls := range spec.Links {
		def.Links = append(def.Links, model.Link{From: ls.From, To: ls.To, Guard: ls.Guard})
	}
	return def, nil
}
