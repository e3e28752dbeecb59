package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const joinRetryInterval = time.Second

// asks a running member to add this node as a voter, retrying until the
// member accepts or ctx ends
func joinCluster(ctx context.Context, target, nodeID, raftAddr string, logger hclog.Logger) error {
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	url := strings.TrimRight(target, "/") + "/v1/cluster/join"

	body, err := json.Marshal(map[string]string{"node_id": nodeID, "addr": raftAddr})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(joinRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := postJoin(ctx, client, url, body)
		if err == nil {
			logger.Info("joined cluster", "via", target, "node_id", nodeID, "raft", raftAddr)
			return nil
		}
		logger.Warn("join failed, retrying", "via", target, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func postJoin(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
