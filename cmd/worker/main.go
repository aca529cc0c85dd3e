// Package main 参考 Worker 实现
//
// 通过长轮询 fetch 领取任务，模拟执行后 ack 回执。
// 真实部署中业务方按 topic 实现自己的 Worker；本程序用于
// 联调与演示，把任务 payload 原样回显为结果。
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type task struct {
	ID           string          `json:"id"`
	InstanceID   string          `json:"instance_id"`
	StepID       string          `json:"step_id"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
}

func main() {
	var (
		apiURL   = flag.String("api", "http://localhost:8080", "API server base URL")
		topic    = flag.String("topic", "demo", "task topic to consume")
		workerID = flag.String("id", "", "worker identifier (default: hostname-pid)")
		wait     = flag.Duration("wait", 20*time.Second, "fetch long-poll duration")
		simulate = flag.Duration("work", 200*time.Millisecond, "simulated execution time per task")
		failRate = flag.Int("fail-every", 0, "fail every Nth task (0 = never)")
	)
	flag.Parse()

	if *workerID == "" {
		hostname, _ := os.Hostname()
		*workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	log.Printf("Worker started [id=%s topic=%s api=%s]", *workerID, *topic, *apiURL)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	client := &http.Client{Timeout: *wait + 10*time.Second}
	processed := 0

	for {
		select {
		case <-stopCh:
			log.Printf("Worker stopped [processed=%d]", processed)
			return
		default:
		}

		t, err := fetch(client, *apiURL, *topic, *workerID, *wait)
		if err != nil {
			log.Printf("fetch error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if t == nil {
			continue
		}

		processed++
		log.Printf("claimed task=%s instance=%s step=%s attempt=%d",
			t.ID, t.InstanceID, t.StepID, t.AttemptCount)

		time.Sleep(*simulate)

		outcome := "done"
		errMsg := ""
		if *failRate > 0 && processed%*failRate == 0 {
			outcome = "failed"
			errMsg = "simulated failure"
		}

		if err := ack(client, *apiURL, t, outcome, errMsg); err != nil {
			log.Printf("ack error task=%s: %v", t.ID, err)
			continue
		}
		log.Printf("acked task=%s outcome=%s", t.ID, outcome)
	}
}

// fetch 领取任务；等待期内无任务返回 (nil, nil)
func fetch(client *http.Client, apiURL, topic, workerID string, wait time.Duration) (*task, error) {
	body, _ := json.Marshal(map[string]string{
		"topic":     topic,
		"worker_id": workerID,
		"wait":      wait.String(),
	})

	resp, err := client.Post(apiURL+"/api/v1/worker/fetch", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var t task
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return nil, err
		}
		return &t, nil
	default:
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch status %d: %s", resp.StatusCode, msg)
	}
}

// ack 回执结果；结果为 payload 原样回显附带处理标记
func ack(client *http.Client, apiURL string, t *task, outcome, errMsg string) error {
	result := map[string]interface{}{"echoed": true, "step": t.StepID}
	if len(t.Payload) > 0 {
		var payload map[string]interface{}
		if json.Unmarshal(t.Payload, &payload) == nil {
			result["input"] = payload
		}
	}

	body, _ := json.Marshal(map[string]interface{}{
		"task_id": t.ID,
		"outcome": outcome,
		"result":  result,
		"error":   errMsg,
	})

	resp, err := client.Post(apiURL+"/api/v1/worker/ack", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ack status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
