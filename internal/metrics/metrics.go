package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts all HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "group_sync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// RemoteRequestsTotal counts calls to group hosts and the user directory
	// by command and outcome (success or an error kind).
	RemoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_remote_requests_total",
		Help: "Total number of remote group host requests",
	}, []string{"command", "outcome"})

	// RemoteRequestDuration observes remote call latency by command.
	RemoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "group_sync_remote_request_duration_seconds",
		Help:    "Remote group host request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// GroupsAcceptedTotal counts accept attempts by result.
	GroupsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_groups_accepted_total",
		Help: "Total number of group code accept attempts",
	}, []string{"result"})

	// MembersReconciledTotal counts member reconciliation outcomes.
	MembersReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_members_reconciled_total",
		Help: "Total number of reconciled remote members",
	}, []string{"status"})

	// KeycloakRequestsTotal counts Keycloak API requests.
	KeycloakRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_keycloak_requests_total",
		Help: "Total number of Keycloak API requests",
	}, []string{"operation", "status"})

	// KeycloakErrorsTotal counts Keycloak API errors.
	KeycloakErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_keycloak_errors_total",
		Help: "Total number of Keycloak API errors",
	}, []string{"operation"})

	// VaultRequestsTotal counts Vault API requests.
	VaultRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_vault_requests_total",
		Help: "Total number of Vault API requests",
	}, []string{"operation", "status"})

	// VaultErrorsTotal counts Vault API errors.
	VaultErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_sync_vault_errors_total",
		Help: "Total number of Vault API errors",
	}, []string{"operation"})

	// TrackedGroupsTotal is a gauge of group codes in the token store.
	TrackedGroupsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "group_sync_tracked_groups_total",
		Help: "Number of remote groups this site is synced with",
	})

	// LocalAccountsTotal is a gauge of accounts in the Keycloak realm.
	LocalAccountsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "group_sync_local_accounts_total",
		Help: "Number of local accounts in Keycloak",
	})
)
