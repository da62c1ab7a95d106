package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/session"
)

const minimalTOML = `
[server]
address = "vpn.example.com"
port = 443
hub = "DEFAULT"
verify_certificate = true
keepalive_interval = 30

[auth]
method = "password"
username = "alice"
password = "hunter2"

[connection_limits]
max_connections = 4
retry_attempts = 3
retry_delay = 500
backoff_factor = 2.0
max_retry_delay = 30
rate_limit_rps = 10

[clustering]
enabled = false

[network]
enable_ipv6 = false

[logging]
level = "info"
`

func TestLoadStringParsesMinimalDocument(t *testing.T) {
	f, err := LoadString(minimalTOML)
	require.NoError(t, err)
	require.Equal(t, "vpn.example.com", f.Server.Address)
	require.EqualValues(t, 443, f.Server.Port)
	require.Equal(t, "password", f.Auth.Method)
	require.Equal(t, 4, f.ConnectionLimits.MaxConnections)
}

func TestLoadStringRejectsMissingPort(t *testing.T) {
	_, err := LoadString(`
[server]
address = "vpn.example.com"
`)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindConfig, e.Kind)
}

func TestLoadStringRejectsUnknownAuthMethod(t *testing.T) {
	_, err := LoadString(`
[server]
address = "vpn.example.com"
port = 443

[auth]
method = "carrier-pigeon"
`)
	require.Error(t, err)
}

func TestLoadStringRejectsClusterNodeMissingHost(t *testing.T) {
	_, err := LoadString(`
[server]
address = "vpn.example.com"
port = 443

[clustering]
enabled = true

[[clustering.nodes]]
port = 443
`)
	require.Error(t, err)
}

func TestToClientConfigBuildsSingleEndpointWithoutClustering(t *testing.T) {
	f, err := LoadString(minimalTOML)
	require.NoError(t, err)

	cfg, err := f.ToClientConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Cluster.Endpoints, 1)
	require.Equal(t, "vpn.example.com", cfg.Cluster.Endpoints[0].Host)
	require.Equal(t, "alice", cfg.Session.Credentials.Username)
	require.Equal(t, session.AuthPassword, cfg.Session.Credentials.Method)
	require.EqualValues(t, 4, cfg.Admission.MaxConcurrent)
}

func TestToClientConfigBuildsMultipleEndpointsWithClustering(t *testing.T) {
	f, err := LoadString(`
[server]
address = "unused.example.com"
port = 443

[auth]
method = "anonymous"

[clustering]
enabled = true
load_balancing_strategy = "WeightedRoundRobin"

[[clustering.nodes]]
host = "a.example.com"
port = 443
weight = 1

[[clustering.nodes]]
host = "b.example.com"
port = 443
weight = 2
`)
	require.NoError(t, err)

	cfg, err := f.ToClientConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Cluster.Endpoints, 2)
	require.Equal(t, "weighted_round_robin", cfg.Cluster.PolicyName)
	require.EqualValues(t, 2, cfg.Cluster.Endpoints[1].Weight)
}

func TestPolicyNameMapsKnownStrategies(t *testing.T) {
	require.Equal(t, "round_robin", policyName("RoundRobin"))
	require.Equal(t, "least_connections", policyName("LeastConnections"))
	require.Equal(t, "consistent_hash", policyName("ConsistentHashing"))
	require.Equal(t, "round_robin", policyName("unknown"))
}
