package pgpool

import (
	"testing"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/pgproto"
)

func TestReplicationGroupRoundRobinCyclesReplicas(t *testing.T) {
	cfg := config.ServerConfig{
		Database: "orders", Host: "10.0.0.1", Port: 5432, User: "riverdb",
		MaxConnections: 10, MaxConcurrentTransactions: 10,
		Replicas: []config.ServerConfig{
			{Database: "orders", Host: "10.0.0.2", Port: 5432, User: "riverdb", MaxConnections: 10, MaxConcurrentTransactions: 10},
			{Database: "orders", Host: "10.0.0.3", Port: 5432, User: "riverdb", MaxConnections: 10, MaxConcurrentTransactions: 10},
		},
	}
	g := NewReplicationGroup(cfg, nil)
	defer g.Close()

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		p := g.RoundRobin(true)
		seen[p.cfg.Host]++
	}
	if seen["10.0.0.2"] != 2 || seen["10.0.0.3"] != 2 {
		t.Fatalf("round robin distribution = %+v, want even split over 2 replicas", seen)
	}
}

func TestReplicationGroupRoundRobinFallsBackToMasterWithNoReplicas(t *testing.T) {
	cfg := config.ServerConfig{Database: "orders", Host: "10.0.0.1", Port: 5432, User: "riverdb", MaxConnections: 10, MaxConcurrentTransactions: 10}
	g := NewReplicationGroup(cfg, nil)
	defer g.Close()

	for i := 0; i < 3; i++ {
		if p := g.RoundRobin(true); p != g.Master() {
			t.Fatal("expected RoundRobin to fall back to master when there are no replicas")
		}
	}
}

func TestReplicationGroupRoundRobinHonorsAllowReplicaFalse(t *testing.T) {
	cfg := config.ServerConfig{
		Database: "orders", Host: "10.0.0.1", Port: 5432, User: "riverdb", MaxConnections: 10, MaxConcurrentTransactions: 10,
		Replicas: []config.ServerConfig{
			{Database: "orders", Host: "10.0.0.2", Port: 5432, User: "riverdb", MaxConnections: 10, MaxConcurrentTransactions: 10},
		},
	}
	g := NewReplicationGroup(cfg, nil)
	defer g.Close()

	if p := g.RoundRobin(false); p != g.Master() {
		t.Fatal("expected RoundRobin(false) to always return the master")
	}
}

func buildParams(pairs ...[2]string) *pgproto.ServerParams {
	p := pgproto.NewServerParams()
	for _, kv := range pairs {
		p.Add(kv[0], kv[1])
	}
	return p
}

func TestMergeServerParamsAdoptsOlderServerVersion(t *testing.T) {
	master := buildParams([2]string{"server_version", "15.2"})
	replica := buildParams([2]string{"server_version", "14.5"})

	merged := mergeServerParams(testLogger(), master, replica)
	v, _ := merged.Get("server_version")
	if v != "14.5" {
		t.Fatalf("server_version = %q, want the older 14.5", v)
	}
}

func TestMergeServerParamsKeepsMasterForNewerReplicaVersion(t *testing.T) {
	master := buildParams([2]string{"server_version", "14.5"})
	replica := buildParams([2]string{"server_version", "15.2"})

	merged := mergeServerParams(testLogger(), master, replica)
	v, _ := merged.Get("server_version")
	if v != "14.5" {
		t.Fatalf("server_version = %q, want master's 14.5 kept", v)
	}
}

func TestMergeServerParamsMasterWinsOnOtherMismatch(t *testing.T) {
	master := buildParams([2]string{"TimeZone", "UTC"})
	replica := buildParams([2]string{"TimeZone", "America/New_York"})

	merged := mergeServerParams(testLogger(), master, replica)
	v, _ := merged.Get("TimeZone")
	if v != "UTC" {
		t.Fatalf("TimeZone = %q, want master's UTC", v)
	}
}

func TestMergeServerParamsDropsReplicaOnlyKey(t *testing.T) {
	master := buildParams()
	replica := buildParams([2]string{"replica_only_setting", "x"})

	merged := mergeServerParams(testLogger(), master, replica)
	if _, ok := merged.Get("replica_only_setting"); ok {
		t.Fatal("expected replica-only parameter to be dropped")
	}
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"14.5", "15.2", true},
		{"15.2", "14.5", false},
		{"14.5", "14.5", false},
		{"14.10", "14.9", false},
		{"14.9", "14.10", true},
	}
	for _, tc := range cases {
		if got := versionLess(tc.a, tc.b); got != tc.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
