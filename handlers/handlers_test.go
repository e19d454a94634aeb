package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagshard/config"
	"dagshard/handlers"
	"dagshard/logger"
	"dagshard/models"
	"dagshard/repository"
	"dagshard/routers"
	"dagshard/service"
	"dagshard/sigverify"
)

func testServer(t *testing.T) (*mux.Router, *service.Service) {
	t.Helper()
	logger.Logger = zap.NewNop()

	cfg := config.Default()
	cfg.Bundle.MaxSize = 2
	cfg.Bundle.MaxWait = 20 * time.Millisecond
	cfg.Shard.TickInterval = 5 * time.Millisecond
	cfg.Validators.PerShard = 3
	cfg.Shards = []models.ShardConfig{{ShardID: "shard-a"}, {ShardID: "shard-b"}}

	svc, err := service.New(service.Options{
		Config:            cfg,
		Archive:           repository.NewMemory(),
		SyncDelivery:      true,
		DeterministicKeys: true,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	handler := handlers.NewHandler(svc)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return router, svc
}

func do(router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", res.Body.String(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetShards_States(t *testing.T) {
	router, _ := testServer(t)

	res := do(router, http.MethodGet, "/shards?type=states", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body struct {
		Shards []models.ShardState `json:"shards"`
	}
	decode(t, res, &body)
	if len(body.Shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(body.Shards))
	}
	if body.Shards[0].Status != models.ShardSyncing || body.Shards[0].TotalValidatorWeight != 3000 {
		t.Fatalf("unexpected state %+v", body.Shards[0])
	}

	res = do(router, http.MethodGet, "/shards?type=bogus", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown type, got %d", res.Code)
	}
}

func TestPostShards_AddAndRemove(t *testing.T) {
	router, _ := testServer(t)

	add := map[string]interface{}{
		"action":      "add-shard",
		"shardConfig": map[string]interface{}{"shard_id": "shard-new", "region": "ap-south", "node_count": 4},
	}
	res := do(router, http.MethodPost, "/shards", add)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	res = do(router, http.MethodPost, "/shards", add)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate add 409, got %d", res.Code)
	}

	remove := map[string]interface{}{"action": "remove-shard", "shardId": "shard-new"}
	res = do(router, http.MethodPost, "/shards", remove)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body: %s", res.Code, res.Body.String())
	}
	res = do(router, http.MethodPost, "/shards", remove)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected second remove 404, got %d", res.Code)
	}
}

func TestPostShards_BadRequests(t *testing.T) {
	router, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/shards", bytes.NewBufferString("{not json"))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad JSON, got %d", res.Code)
	}

	res = do(router, http.MethodPost, "/shards", map[string]string{"action": "explode"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown action, got %d", res.Code)
	}

	res = do(router, http.MethodPost, "/shards", map[string]interface{}{"action": "benchmark", "duration": 0, "targetTPS": 10})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for zero duration, got %d", res.Code)
	}
}

func TestSubmitTransaction_RespectsIntake(t *testing.T) {
	router, svc := testServer(t)

	tx := map[string]interface{}{"fee": 5}
	res := do(router, http.MethodPost, "/shards/shard-a/transactions", tx)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while stopped, got %d", res.Code)
	}

	res = do(router, http.MethodPost, "/shards", map[string]string{"action": "start"})
	if res.Code != http.StatusOK || !svc.Running() {
		t.Fatalf("expected start to enable intake, got %d", res.Code)
	}
	res = do(router, http.MethodPost, "/shards/shard-a/transactions", tx)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d, body: %s", res.Code, res.Body.String())
	}

	res = do(router, http.MethodPost, "/shards/shard-zz/transactions", tx)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown shard, got %d", res.Code)
	}

	res = do(router, http.MethodPost, "/shards/shard-a/transactions", map[string]interface{}{"parents": []string{"missing"}})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown parent, got %d", res.Code)
	}
}

func TestExternalSignaturesConfirmBundle(t *testing.T) {
	router, svc := testServer(t)
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/shards/shard-a/validators/shard-a-validator-%d/fault", i)
		if res := do(router, http.MethodPut, path, handlers.FaultRequest{Fault: "silent"}); res.Code != http.StatusOK {
			t.Fatalf("expected fault to be set, got %d, body: %s", res.Code, res.Body.String())
		}
	}
	if res := do(router, http.MethodPut, "/shards/shard-a/validators/shard-a-validator-0/fault", handlers.FaultRequest{Fault: "sleepy"}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown fault, got %d", res.Code)
	}
	if res := do(router, http.MethodPut, "/shards/shard-a/validators/mallory/fault", handlers.FaultRequest{Fault: "silent"}); res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown validator, got %d", res.Code)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		do(router, http.MethodPost, "/shards/shard-a/transactions", map[string]int{"fee": i + 1})
	}

	var bundleID, nodeID string
	waitFor(t, "bundle at level 0", func() bool {
		var body struct {
			Nodes []service.NodeView `json:"nodes"`
		}
		decode(t, do(router, http.MethodGet, "/shards/shard-a/dag?level=0", nil), &body)
		if len(body.Nodes) == 1 {
			bundleID, nodeID = body.Nodes[0].BundleID, body.Nodes[0].ID
		}
		return bundleID != ""
	})

	var b models.Bundle
	decode(t, do(router, http.MethodGet, "/shards/shard-a/bundles/"+bundleID, nil), &b)
	if b.Status != models.BundlePending || b.TotalFee != 3 {
		t.Fatalf("unexpected bundle %+v", b)
	}

	sign := func(validator string) *httptest.ResponseRecorder {
		sig := sigverify.SignerFromSeed(validator, validator).Sign(b.ContentHash)
		return do(router, http.MethodPost, "/shards/shard-a/bundles/"+bundleID+"/signatures",
			map[string]interface{}{"validatorId": validator, "signature": sig})
	}
	var receipt struct {
		Receipt models.SignatureReceipt `json:"receipt"`
	}

	res := sign("shard-a-validator-0")
	decode(t, res, &receipt)
	if res.Code != http.StatusOK || receipt.Receipt.Status != models.BundlePending || receipt.Receipt.SumWeight != 1000 {
		t.Fatalf("unexpected first receipt %d %+v", res.Code, receipt.Receipt)
	}
	res = sign("shard-a-validator-1")
	decode(t, res, &receipt)
	if receipt.Receipt.Status != models.BundleConfirmed || receipt.Receipt.Threshold != 2000 {
		t.Fatalf("expected confirmation on the second signature, got %+v", receipt.Receipt)
	}

	res = sign("shard-a-validator-1")
	if res.Code != http.StatusOK {
		t.Fatalf("expected duplicate signature to be idempotent, got %d", res.Code)
	}
	res = sign("shard-a-validator-2")
	if res.Code != http.StatusConflict {
		t.Fatalf("expected late signature 409, got %d", res.Code)
	}

	res = do(router, http.MethodGet, "/shards/shard-a/checkpoint", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected checkpoint after confirmation, got %d", res.Code)
	}
	res = do(router, http.MethodGet, "/shards/shard-b/checkpoint", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected no checkpoint on idle shard, got %d", res.Code)
	}

	var node service.NodeView
	res = do(router, http.MethodGet, "/shards/shard-a/nodes/"+nodeID, nil)
	decode(t, res, &node)
	if res.Code != http.StatusOK || !node.Confirmed || node.BundleID != bundleID {
		t.Fatalf("unexpected node %d %+v", res.Code, node)
	}
	res = do(router, http.MethodGet, "/shards/shard-a/nodes/node-missing", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown node, got %d", res.Code)
	}

	var archived struct {
		Nodes []models.DagNode `json:"nodes"`
	}
	decode(t, do(router, http.MethodGet, "/shards/shard-a/archive", nil), &archived)
	if len(archived.Nodes) != 1 || archived.Nodes[0].ID != nodeID {
		t.Fatalf("expected the confirmed node in the archive, got %+v", archived.Nodes)
	}

	res = do(router, http.MethodGet, "/metrics", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 from /metrics, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `dagshard_bundle_confirmed_total{shard_id="shard-a"}`) {
		t.Fatalf("expected confirmed bundle series for shard-a in /metrics")
	}
}

func TestCrossShard_CommitAndQuery(t *testing.T) {
	router, svc := testServer(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := do(router, http.MethodPost, "/cross-shard", map[string]interface{}{
		"fromShard": "shard-a", "toShard": "shard-b", "payload": []byte("pay"), "wait": true,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body struct {
		Transaction models.CrossShardTransaction `json:"transaction"`
	}
	decode(t, res, &body)
	if body.Transaction.Status != models.CrossShardCommitted {
		t.Fatalf("expected committed, got %+v", body.Transaction)
	}

	res = do(router, http.MethodGet, "/cross-shard/"+body.Transaction.ID, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	res = do(router, http.MethodGet, "/cross-shard/nope", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", res.Code)
	}

	var listed struct {
		Transactions []models.CrossShardTransaction `json:"transactions"`
	}
	decode(t, do(router, http.MethodGet, "/shards?type=cross-shard", nil), &listed)
	if len(listed.Transactions) != 1 {
		t.Fatalf("expected 1 cross-shard transaction, got %d", len(listed.Transactions))
	}

	var overall models.OverallMetrics
	decode(t, do(router, http.MethodGet, "/shards?type=overall", nil), &overall)
	if overall.CrossShardTxCount != 1 {
		t.Fatalf("expected crossShardTxCount 1, got %d", overall.CrossShardTxCount)
	}

	res = do(router, http.MethodPost, "/cross-shard", map[string]interface{}{"fromShard": "shard-a", "toShard": "shard-a"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for same shard, got %d", res.Code)
	}
}

func TestMetricsQueries(t *testing.T) {
	router, svc := testServer(t)
	svc.Aggregator.SampleOnce()

	res := do(router, http.MethodGet, "/shards?type=metrics&shardId=shard-a", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	var series struct {
		Metrics []models.ShardMetrics `json:"metrics"`
	}
	decode(t, res, &series)
	if len(series.Metrics) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(series.Metrics))
	}

	res = do(router, http.MethodGet, "/shards?type=metrics&shardId=shard-zz", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", res.Code)
	}
	res = do(router, http.MethodGet, "/metrics/aggregate?shardId=shard-a&field=throughput", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	res = do(router, http.MethodGet, "/metrics/aggregate?shardId=shard-a&field=vibes", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", res.Code)
	}
	res = do(router, http.MethodGet, "/shards/shard-a/dag?level=minus-one", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", res.Code)
	}
}
