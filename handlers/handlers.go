package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagshard/bench"
	"dagshard/logger"
	"dagshard/metrics"
	"dagshard/models"
	"dagshard/service"
	"dagshard/transport"
)

// Handler contains the HTTP handlers for the shard control surface
type Handler struct {
	Node *service.Service
}

// NewHandler creates and returns a new Handler instance
func NewHandler(s *service.Service) *Handler {
	return &Handler{Node: s}
}

// ShardAction is the body of POST /shards.
type ShardAction struct {
	Action      string             `json:"action"`
	ShardConfig models.ShardConfig `json:"shardConfig"`
	ShardID     string             `json:"shardId"`
	// benchmark
	Duration  float64 `json:"duration"` // seconds
	TargetTPS float64 `json:"targetTPS"`
	AutoStop  bool    `json:"autoStop"`
}

// CrossShardRequest is the body of POST /cross-shard.
type CrossShardRequest struct {
	FromShard string `json:"fromShard"`
	ToShard   string `json:"toShard"`
	Payload   []byte `json:"payload"`
	Wait      bool   `json:"wait"`
}

// FaultRequest is the body of PUT /shards/{id}/validators/{validatorId}/fault.
type FaultRequest struct {
	Fault string `json:"fault"` // honest, silent or corrupt
}

// SignatureRequest is the body of POST /shards/{id}/bundles/{bundleId}/signatures.
type SignatureRequest struct {
	ValidatorID string `json:"validatorId"`
	Signature   []byte `json:"signature"`
}

// GetShards serves the dashboard queries selected by ?type=.
func (h *Handler) GetShards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch kind := q.Get("type"); kind {
	case "", "states":
		writeJSON(w, http.StatusOK, map[string]interface{}{"shards": h.Node.States()})
	case "overall":
		writeJSON(w, http.StatusOK, h.Node.Overall())
	case "cross-shard":
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": h.Node.CrossShard()})
	case "metrics":
		shardID := q.Get("shardId")
		series, err := h.Node.Metrics(shardID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"shardId": shardID, "metrics": series})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown query type " + strconv.Quote(kind)})
	}
}

// PostShards dispatches the control actions.
func (h *Handler) PostShards(w http.ResponseWriter, r *http.Request) {
	var req ShardAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode shard action", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	switch req.Action {
	case "start", "stop":
		var err error
		if req.Action == "start" {
			err = h.Node.Start()
		} else {
			err = h.Node.Stop()
		}
		if err != nil {
			writeError(w, err)
			return
		}
		logger.Logger.Info("Intake toggled", zap.String("action", req.Action))
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok", "running": h.Node.Running()})

	case "add-shard":
		id, err := h.Node.AddShard(req.ShardConfig)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"message": "Shard added successfully", "shardId": id})

	case "remove-shard":
		if err := h.Node.RemoveShard(req.ShardID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Shard removed successfully", "shardId": req.ShardID})

	case "benchmark":
		res, err := h.Node.Benchmark(r.Context(), bench.Params{
			Duration:  time.Duration(req.Duration * float64(time.Second)),
			TargetTPS: req.TargetTPS,
			AutoStop:  req.AutoStop,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + strconv.Quote(req.Action)})
	}
}

// GetDAGLevel lists the nodes of a shard at ?level=N
func (h *Handler) GetDAGLevel(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.ParseUint(r.URL.Query().Get("level"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be a non-negative integer"})
		return
	}
	nodes, err := h.Node.DAGLevel(mux.Vars(r)["id"], level)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"level": level, "nodes": nodes})
}

func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := h.Node.Bundle(vars["id"], vars["bundleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetNode looks a node up in the live DAG, then in the archive
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node, err := h.Node.Node(vars["id"], vars["nodeId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *Handler) GetArchivedNodes(w http.ResponseWriter, r *http.Request) {
	shardID := mux.Vars(r)["id"]
	nodes, err := h.Node.ArchivedNodes(shardID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shardId": shardID, "nodes": nodes})
}

// SetValidatorFault switches an in-process validator between honest, silent
// and corrupt signing
func (h *Handler) SetValidatorFault(w http.ResponseWriter, r *http.Request) {
	var req FaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode fault", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	fault, err := transport.ParseFault(req.Fault)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	if err := h.Node.SetValidatorFault(vars["id"], vars["validatorId"], fault); err != nil {
		writeError(w, err)
		return
	}
	logger.Logger.Info("Validator fault set",
		zap.String("shard_id", vars["id"]), zap.String("validator_id", vars["validatorId"]), zap.String("fault", req.Fault))
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok", "fault": req.Fault})
}

func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Node.Checkpoint(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// SubmitTransaction queues a transaction on a shard's intake
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx models.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		logger.Logger.Error("Failed to decode transaction", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	tx.CrossShardID = ""
	id, err := h.Node.Submit(mux.Vars(r)["id"], tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"message": "Transaction queued", "transactionId": id})
}

// SubmitSignature accepts a validator signature over a bundle's content hash
func (h *Handler) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	var req SignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode signature", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	vars := mux.Vars(r)
	receipt, err := h.Node.SubmitSignature(vars["id"], vars["bundleId"], req.ValidatorID, req.Signature)
	switch {
	case errors.Is(err, models.ErrDuplicateSignature):
		writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": receipt, "message": err.Error()})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": receipt})
	}
}

// InitiateCrossShard starts a cross-shard transaction. Without wait the
// pending record is returned immediately.
func (h *Handler) InitiateCrossShard(w http.ResponseWriter, r *http.Request) {
	var req CrossShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode cross-shard request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	tx, err := h.Node.InitiateCrossShard(r.Context(), req.FromShard, req.ToShard, req.Payload, req.Wait)
	switch {
	case err != nil && tx.ID == "":
		writeError(w, err)
	case err != nil:
		// terminal failure of an accepted transaction
		writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx, "error": err.Error()})
	case req.Wait:
		writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx})
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"transaction": tx})
	}
}

func (h *Handler) GetCrossShard(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Node.CrossShardTx(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetAggregate summarises one metrics field over the retained window
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sum, err := h.Node.Aggregate(q.Get("shardId"), q.Get("field"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Logger.Error("Request failed", zap.Error(err))
	} else {
		logger.Logger.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownShard),
		errors.Is(err, models.ErrUnknownBundle),
		errors.Is(err, models.ErrUnknownNode),
		errors.Is(err, models.ErrUnknownTransaction):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, models.ErrShardHasPendingCrossShardTx),
		errors.Is(err, models.ErrBundleClosed),
		errors.Is(err, models.ErrAlreadyConfirmed):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, models.ErrSameShard),
		errors.Is(err, models.ErrInvalidParentReference),
		errors.Is(err, models.ErrRejectedSignature),
		errors.Is(err, models.ErrUnknownValidator),
		errors.Is(err, models.ErrLegRejected),
		errors.Is(err, metrics.ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIntakeStopped),
		errors.Is(err, models.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
