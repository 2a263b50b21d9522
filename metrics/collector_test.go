package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/tenant"
)

func TestCollectorExportsPerTenantGauges(t *testing.T) {
	registry := tenant.NewRegistry(t.TempDir())
	tn, err := registry.GetOrCreate(42)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	info := codec.NewSafeKeeperInfo()
	info.Epoch = 3
	info.FlushLSN = 1000
	info.RestartLSN = 500
	tn.SetInfo(info)
	tn.NotifyWalSenders(900)

	c := NewCollector(registry)
	c.IngestConnectionAccepted()
	c.EgressConnectionAccepted()

	want := `
# HELP safekeeper_commit_lsn Highest WAL position acknowledged to egress consumers.
# TYPE safekeeper_commit_lsn gauge
safekeeper_commit_lsn{system_id="42"} 900
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "safekeeper_commit_lsn"); err != nil {
		t.Fatalf("unexpected collector output: %v", err)
	}

	if got := testutil.ToFloat64(c.ingestConnections); got != 1 {
		t.Fatalf("ingest connections = %v, want 1", got)
	}
}
