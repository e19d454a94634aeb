package routers

import (
	"dagshard/handlers"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes sets up all the HTTP routes for the shard control surface
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Dashboard queries: ?type=states|overall|cross-shard|metrics&shardId=
	r.HandleFunc("/shards", h.GetShards).Methods("GET")

	// Control actions: start, stop, add-shard, remove-shard, benchmark
	r.HandleFunc("/shards", h.PostShards).Methods("POST")

	// DAG explorer
	r.HandleFunc("/shards/{id}/dag", h.GetDAGLevel).Methods("GET")
	r.HandleFunc("/shards/{id}/checkpoint", h.GetCheckpoint).Methods("GET")
	r.HandleFunc("/shards/{id}/bundles/{bundleId}", h.GetBundle).Methods("GET")
	r.HandleFunc("/shards/{id}/nodes/{nodeId}", h.GetNode).Methods("GET")
	r.HandleFunc("/shards/{id}/archive", h.GetArchivedNodes).Methods("GET")

	// Intake and external validators
	r.HandleFunc("/shards/{id}/transactions", h.SubmitTransaction).Methods("POST")
	r.HandleFunc("/shards/{id}/bundles/{bundleId}/signatures", h.SubmitSignature).Methods("POST")
	r.HandleFunc("/shards/{id}/validators/{validatorId}/fault", h.SetValidatorFault).Methods("PUT")

	r.HandleFunc("/cross-shard", h.InitiateCrossShard).Methods("POST")
	r.HandleFunc("/cross-shard/{id}", h.GetCrossShard).Methods("GET")

	r.HandleFunc("/metrics/aggregate", h.GetAggregate).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
