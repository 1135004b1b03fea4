// Package metrics holds the Prometheus collectors for the agent and the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent metrics collectors
var (
	// Session

	AgentSessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bt_agent_session_state",
			Help: "Session state (0=disconnected, 1=handshaking, 2=active)",
		},
	)

	AgentReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bt_agent_reconnects_total",
			Help: "Total number of sessions lost and retried",
		},
	)

	AgentHeartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bt_agent_heartbeats_sent_total",
			Help: "Total number of heartbeats sent",
		},
	)

	// Commands

	AgentCommandsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bt_agent_commands_rejected_total",
			Help: "Total number of commands dropped for failing signature verification",
		},
	)

	AgentCommandsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_agent_commands_executed_total",
			Help: "Total number of authenticated commands executed",
		},
		[]string{"cmd_type", "status"},
	)

	// Compliance

	AgentComplianceScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bt_agent_compliance_score",
			Help: "Score of the most recent compliance scan (0-100)",
		},
	)
)

// Server metrics collectors
var (
	ServerConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bt_server_connected_agents",
			Help: "Number of agents with an open session",
		},
	)

	ServerMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_server_messages_received_total",
			Help: "Total number of messages received from agents",
		},
		[]string{"type"},
	)

	ServerComplianceScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bt_server_compliance_score",
			Help:    "Distribution of reported compliance scores",
			Buckets: []float64{10, 25, 50, 75, 90, 100},
		},
	)

	ServerStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_server_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"op"},
	)

	ServerCommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_server_commands_sent_total",
			Help: "Total number of signed commands pushed to agents",
		},
		[]string{"cmd_type"},
	)
)
