// Package metrics exposes the prometheus collectors the cluster engines
// update as they run. Grounded on the teacher's
// multicluster/service-mirror/metrics.go: promauto registration against the
// default registry, gauge vecs for point-in-time state, counter vecs for
// monotonic events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelIdentity  = "identity"
	labelType      = "type"
	labelDirection = "direction"
)

var (
	// ConnectedEndpoints is 1 for each endpoint currently Established, 0
	// otherwise, labeled by identity.
	ConnectedEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_endpoint_connected",
			Help: "1 if the endpoint is Established, 0 otherwise.",
		},
		[]string{labelIdentity},
	)

	// RegistrySize is the number of components discovery currently knows
	// about, whether connected or not.
	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_discovery_registry_size",
		Help: "Number of components in the discovery registry.",
	})

	// ObjectsByType is the live object count per type in the object store.
	ObjectsByType = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_objectstore_objects",
			Help: "Number of objects currently held, by type.",
		},
		[]string{labelType},
	)

	// ReplicationMessages counts ObjectUpdate/ObjectRemoved traffic, by
	// direction (inbound/outbound) and message type.
	ReplicationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_replication_messages_total",
			Help: "Replication messages processed, by direction and type.",
		},
		[]string{labelDirection, labelType},
	)

	// DelegationAssignments counts checker::AssignService sends.
	DelegationAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_delegation_assignments_total",
			Help: "Service-to-checker assignments sent.",
		},
		[]string{labelIdentity},
	)

	// CheckResultsIngested counts checker::CheckResult messages accepted
	// (i.e. not discarded as an echo of our own delegation).
	CheckResultsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_checkresult_ingested_total",
		Help: "Check results accepted for local processing.",
	})

	// CheckResultRate is the number of check results accepted during the
	// most recently completed one-second window.
	CheckResultRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_checkresult_rate",
		Help: "Check results accepted per second, sampled every second.",
	})

	// OutboundDropped counts messages dropped from an endpoint's outbound
	// queue due to backpressure.
	OutboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_endpoint_outbound_dropped_total",
			Help: "Outbound messages dropped because the endpoint's queue was full.",
		},
		[]string{labelIdentity},
	)
)
