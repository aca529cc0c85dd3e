package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authpkg "caseflow/internal/apiserver/auth"
	"caseflow/internal/checkpoint"
	"caseflow/internal/config"
	"caseflow/internal/definition"
	"caseflow/internal/model"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/infra"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"
	"caseflow/internal/shared/storage/repository"
)

// Prometheus 指标注册在进程级默认 registry，Handler 只能建一次。
var (
	testOnce   sync.Once
	testServer *httptest.Server
)

func testAPI(t *testing.T) *httptest.Server {
	t.Helper()
	testOnce.Do(func() {
		db, err := sqlitedriver.Open(":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		store := repository.NewStore(db, dialect)

		inf := infra.NewNoOpInfrastructure()
		inf.Storage = store

		defs := definition.NewService(store, inf.Cache)
		engine := orchestrator.NewEngine(store, defs, inf.Queue, inf.EventBus, nil)
		manager := checkpoint.NewManager(store, engine)

		workerCfg := config.WorkerConfig{DefaultLease: 30 * time.Second, MaxWait: time.Second}
		h := NewHandler(inf, defs, engine, manager, nil, workerCfg, authpkg.DefaultConfig(""))
		testServer = httptest.NewServer(h.Router())
	})
	return testServer
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// publishLinear 经 HTTP 创建并发布 start → work → done 定义
func publishLinear(t *testing.T, base, defID, topic string) {
	t.Helper()
	def := &model.WorkflowDefinition{
		ID:   defID,
		Name: "Linear Flow",
		Steps: []model.Step{
			{ID: "work", Kind: model.StepKindServiceCall, Target: topic, Start: true, SLADuration: time.Hour},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{{From: "work", To: "done"}},
	}

	resp, _ := doJSON(t, "POST", base+"/api/v1/definitions", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, "POST", base+"/api/v1/definitions/"+defID+"/versions/1/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := testAPI(t)

	resp, body := doJSON(t, "GET", srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestPublishInvalidDefinitionReturnsErrors(t *testing.T) {
	srv := testAPI(t)

	def := &model.WorkflowDefinition{
		ID:   "wf-http-invalid",
		Name: "Broken",
		Steps: []model.Step{
			{ID: "work", Kind: model.StepKindServiceCall, Target: "svc", Start: true, SLADuration: time.Hour},
		},
	}
	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/definitions", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, "POST", srv.URL+"/api/v1/definitions/wf-http-invalid/versions/1/publish", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["errors"])
}

func TestStartInstanceUnknownDefinition(t *testing.T) {
	srv := testAPI(t)

	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/instances", map[string]interface{}{
		"definition_id": "wf-does-not-exist",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerFetchEmptyTopic(t *testing.T) {
	srv := testAPI(t)

	req := map[string]interface{}{"topic": "quiet-topic", "worker_id": "w-1"}
	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/worker/fetch", req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv := testAPI(t)
	publishLinear(t, srv.URL, "wf-http-linear", "http.linear")

	// 启动实例
	resp, inst := doJSON(t, "POST", srv.URL+"/api/v1/instances", map[string]interface{}{
		"definition_id": "wf-http-linear",
		"context":       map[string]interface{}{"order": 42},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	instanceID := inst["id"].(string)
	assert.Equal(t, string(model.InstanceStatusRunning), inst["status"])

	// Worker 领取任务
	resp, task := doJSON(t, "POST", srv.URL+"/api/v1/worker/fetch", map[string]interface{}{
		"topic": "http.linear", "worker_id": "w-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	taskID := task["id"].(string)
	assert.Equal(t, string(model.TaskStatusDispatched), task["status"])

	// 回执完成
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/worker/ack", map[string]interface{}{
		"task_id": taskID, "outcome": "done", "result": map[string]interface{}{"ok": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 重复回执幂等
	resp, dup := doJSON(t, "POST", srv.URL+"/api/v1/worker/ack", map[string]interface{}{
		"task_id": taskID, "outcome": "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_finalized", dup["status"])

	// 实例完成
	resp, detail := doJSON(t, "GET", srv.URL+"/api/v1/instances/"+instanceID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	instDetail := detail["instance"].(map[string]interface{})
	assert.Equal(t, string(model.InstanceStatusCompleted), instDetail["status"])

	// 审计台账可回放
	resp, ledger := doJSON(t, "GET", srv.URL+"/api/v1/instances/"+instanceID+"/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, ledger["count"].(float64), float64(3))

	// 归档未配置对象存储时返回 503
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/instances/"+instanceID+"/archive", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckpointDecisionOverHTTP(t *testing.T) {
	srv := testAPI(t)

	def := &model.WorkflowDefinition{
		ID:   "wf-http-review",
		Name: "Review Flow",
		Steps: []model.Step{
			{ID: "intake", Kind: model.StepKindServiceCall, Target: "http.review", Start: true, SLADuration: time.Hour},
			{ID: "review", Kind: model.StepKindHumanCheckpoint, ReviewerPool: []string{"alice@example.com"}},
			{ID: "done", Kind: model.StepKindTerminal},
		},
		Links: []model.Link{
			{From: "intake", To: "review"},
			{From: "review", To: "done"},
		},
	}
	resp, _ := doJSON(t, "POST", srv.URL+"/api/v1/definitions", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/definitions/wf-http-review/versions/1/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, inst := doJSON(t, "POST", srv.URL+"/api/v1/instances", map[string]interface{}{
		"definition_id": "wf-http-review",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	instanceID := inst["id"].(string)

	// 完成 intake，实例进入等待人工
	resp, task := doJSON(t, "POST", srv.URL+"/api/v1/worker/fetch", map[string]interface{}{
		"topic": "http.review", "worker_id": "w-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/worker/ack", map[string]interface{}{
		"task_id": task["id"], "outcome": "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, pending := doJSON(t, "GET", srv.URL+"/api/v1/checkpoints?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	checkpoints := pending["checkpoints"].([]interface{})
	require.NotEmpty(t, checkpoints)

	var checkpointID string
	for _, raw := range checkpoints {
		cp := raw.(map[string]interface{})
		if cp["instance_id"] == instanceID {
			checkpointID = cp["id"].(string)
		}
	}
	require.NotEmpty(t, checkpointID)

	// 审核池外的裁决被拒绝
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/checkpoints/"+checkpointID+"/decision", map[string]interface{}{
		"decision": "approve", "actor": "mallory@example.com",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// 池内审核人通过
	resp, decided := doJSON(t, "POST", srv.URL+"/api/v1/checkpoints/"+checkpointID+"/decision", map[string]interface{}{
		"decision": "approve", "actor": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(model.CheckpointStatusDecided), decided["status"])

	// 重复裁决首写生效
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/checkpoints/"+checkpointID+"/decision", map[string]interface{}{
		"decision": "reject", "actor": "alice@example.com",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, detail := doJSON(t, "GET", srv.URL+"/api/v1/instances/"+instanceID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	instDetail := detail["instance"].(map[string]interface{})
	assert.Equal(t, string(model.InstanceStatusCompleted), instDetail["status"])
}

func TestCancelAndResumeEndpoints(t *testing.T) {
	srv := testAPI(t)
	publishLinear(t, srv.URL, "wf-http-cancel", "http.cancel")

	resp, inst := doJSON(t, "POST", srv.URL+"/api/v1/instances", map[string]interface{}{
		"definition_id": "wf-http-cancel",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	instanceID := inst["id"].(string)

	// running 实例不可恢复
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/instances/"+instanceID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/instances/"+instanceID+"/cancel", map[string]interface{}{
		"reason": "duplicate order",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 已终结实例再取消返回 409
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/instances/"+instanceID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuthRegisterAndLogin(t *testing.T) {
	srv := testAPI(t)

	email := fmt.Sprintf("reviewer-%d@example.com", time.Now().UnixNano())
	resp, reg := doJSON(t, "POST", srv.URL+"/api/v1/auth/register", map[string]interface{}{
		"email": email, "password": "longenough", "role": "reviewer",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, reg["access_token"])

	// 重复注册冲突
	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/auth/register", map[string]interface{}{
		"email": email, "password": "longenough",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, login := doJSON(t, "POST", srv.URL+"/api/v1/auth/login", map[string]interface{}{
		"email": email, "password": "longenough",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, login["access_token"])

	resp, _ = doJSON(t, "POST", srv.URL+"/api/v1/auth/login", map[string]interface{}{
		"email": email, "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/v1/instances/inst-abc123", "/api/v1/instances/{id}"},
		{"/api/v1/definitions/wf-approval", "/api/v1/definitions/{id}"},
		{"/api/v1/tasks/task-abc123", "/api/v1/tasks/{id}"},
		{"/api/v1/checkpoints/cp-abc123", "/api/v1/checkpoints/{id}"},
		{"/api/v1/instances", "/api/v1/instances"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.path))
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := testAPI(t)

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "instances")
	assert.Contains(t, body, "tasks")
}
