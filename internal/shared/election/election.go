// Package election etcd 领导者选举
//
// 编排器与 SLA Monitor 允许多副本部署，但同一时刻只有领导者执行
// 扫描与推进循环，避免重复处置。基于 etcd concurrency 包实现：
// 会话租约断开即失去领导权，Done() 通道关闭。
package election

import (
	"context"
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Config etcd 选举配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix 选举 key 前缀，不同角色（编排器/监控器）使用不同前缀
	Prefix string
	// SessionTTL 会话租约秒数，租约过期后其他候选者可接任
	SessionTTL int
}

// Elector 领导者选举参与者
type Elector struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	id       string
}

// NewElector 创建选举参与者
//
// candidateID 标识本副本，通常为 hostname+pid。
func NewElector(cfg Config, candidateID string) (*Elector, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/caseflow/leader"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	log.Printf("[election] Connected to %v prefix=%s candidate=%s", cfg.Endpoints, cfg.Prefix, candidateID)
	return &Elector{
		client:   client,
		session:  session,
		election: concurrency.NewElection(session, cfg.Prefix),
		id:       candidateID,
	}, nil
}

// Campaign 参与竞选，阻塞直到当选或 ctx 取消
func (e *Elector) Campaign(ctx context.Context) error {
	if err := e.election.Campaign(ctx, e.id); err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}
	log.Printf("[election] Elected leader: %s", e.id)
	return nil
}

// Resign 主动让出领导权
func (e *Elector) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

// Leader 查询当前领导者标识
func (e *Elector) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// Done 会话失效通知通道，通道关闭即失去领导权
func (e *Elector) Done() <-chan struct{} {
	return e.session.Done()
}

// Close 关闭会话与连接
func (e *Elector) Close() error {
	e.session.Close()
	return e.client.Close()
}
