// Package server WebSocket 事件网关
//
// 事件网关提供实例生命周期事件的实时推送能力，
// 前端据此展示实例推进进度与等待中的人工检查点。
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"caseflow/internal/model"
	"caseflow/internal/shared/eventbus"
	"caseflow/internal/shared/storage"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventGateway WebSocket 事件网关
//
// 事件网关负责：
//   - 管理 WebSocket 连接
//   - 通过 Redis Streams 订阅实例事件
//   - 总线不可用时降级轮询数据库
//   - 实例终结时通知客户端并关闭连接
type EventGateway struct {
	store   storage.PersistentStore
	bus     eventbus.InstanceEventBus
	clients map[string]map[*websocket.Conn]bool // 按 InstanceID 索引的客户端连接
	mu      sync.RWMutex
	metrics *Metrics
}

// NewEventGateway 创建事件网关实例
func NewEventGateway(store storage.PersistentStore, bus eventbus.InstanceEventBus) *EventGateway {
	return &EventGateway{
		store:   store,
		bus:     bus,
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// SetMetrics 注入指标实例
func (g *EventGateway) SetMetrics(m *Metrics) {
	g.metrics = m
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/instances/{id}/events
//
// 查询参数：
//   - from_id: 起始事件 ID（可选），用于断线重连恢复
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "completed"}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if instanceID == "" {
		http.Error(w, "instance_id required", http.StatusBadRequest)
		return
	}

	fromID := r.URL.Query().Get("from_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	g.addClient(instanceID, conn)
	defer g.removeClient(instanceID, conn)
	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
		defer g.metrics.WSConnectionClosed()
	}

	log.Printf("[gateway] client connected instance=%s", instanceID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)

	// 优先使用 Redis Streams 事件驱动
	if g.bus != nil {
		g.writePumpEventDriven(ctx, conn, instanceID, fromID)
		return
	}

	// 降级：轮询实例状态
	g.writePump(ctx, conn, instanceID)
}

func (g *EventGateway) addClient(instanceID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[instanceID] == nil {
		g.clients[instanceID] = make(map[*websocket.Conn]bool)
	}
	g.clients[instanceID][conn] = true
}

func (g *EventGateway) removeClient(instanceID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[instanceID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(g.clients, instanceID)
		}
	}
}

// readPump 读取客户端消息，处理心跳与连接关闭
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[gateway] read error: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// writePumpEventDriven Redis Streams 事件驱动模式
func (g *EventGateway) writePumpEventDriven(ctx context.Context, conn *websocket.Conn, instanceID, fromID string) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	// 断线重连：先补推历史事件
	if fromID != "" {
		events, err := g.bus.GetInstanceEvents(ctx, instanceID, fromID, 100)
		if err == nil {
			for _, event := range events {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": event}); err != nil {
					log.Printf("[gateway] write error: %v", err)
					return
				}
			}
		}
	}

	eventCh, err := g.bus.SubscribeInstanceEvents(ctx, instanceID)
	if err != nil {
		log.Printf("[gateway] subscribe failed, falling back to polling: %v", err)
		g.writePump(ctx, conn, instanceID)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-eventCh:
			if !ok {
				g.sendFinalStatus(ctx, conn, instanceID)
				return
			}

			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": event}); err != nil {
				log.Printf("[gateway] write error: %v", err)
				return
			}

			// 终结事件后通知状态并关闭
			if event.Type == "instance_completed" || event.Type == "instance_failed" {
				conn.WriteJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{"status": event.Type},
				})
				return
			}
		}
	}
}

// writePump 数据库轮询降级模式
//
// 每 500ms 检查实例状态，状态变化即推送；实例终结后退出。
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, instanceID string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	pingTicker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer pingTicker.Stop()

	var lastStatus model.InstanceStatus

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			inst, err := g.store.GetInstance(ctx, instanceID)
			if err != nil {
				log.Printf("[gateway] poll instance failed: %v", err)
				continue
			}

			if inst.Status != lastStatus {
				lastStatus = inst.Status
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				msg := map[string]interface{}{
					"type": "event",
					"data": map[string]interface{}{
						"type":   "status_changed",
						"status": inst.Status,
						"cursor": inst.Cursor,
					},
				}
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("[gateway] write error: %v", err)
					return
				}
			}

			if inst.Status.IsTerminal() {
				conn.WriteJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{"status": inst.Status},
				})
				return
			}
		}
	}
}

// sendFinalStatus 事件通道关闭后补发一次终态
func (g *EventGateway) sendFinalStatus(ctx context.Context, conn *websocket.Conn, instanceID string) {
	inst, err := g.store.GetInstance(ctx, instanceID)
	if err != nil || inst == nil {
		return
	}
	if inst.Status.IsTerminal() {
		conn.WriteJSON(map[string]interface{}{
			"type": "status",
			"data": map[string]interface{}{"status": inst.Status},
		})
	}
}

// Broadcast 广播事件到指定实例的所有客户端
//
// 可在状态变更落库后立即调用，实现更低延迟的推送。
func (g *EventGateway) Broadcast(instanceID string, event interface{}) {
	g.mu.RLock()
	clients := g.clients[instanceID]
	g.mu.RUnlock()

	msg := map[string]interface{}{
		"type": "event",
		"data": event,
	}

	for conn := range clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[gateway] broadcast error: %v", err)
		}
	}
}
