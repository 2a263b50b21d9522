package codec

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestNodeIdRoundTrip(t *testing.T) {
	n := NodeId{Term: 7, UUID: uuid.New()}
	buf := n.Pack(nil)
	if len(buf) != NodeIDSize {
		t.Fatalf("expected %d bytes, got %d", NodeIDSize, len(buf))
	}
	got, rest, err := UnpackNodeId(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %d bytes", len(rest))
	}
	if !got.Equal(n) {
		t.Errorf("round trip mismatch: got %v, want %v", got, n)
	}
}

func TestNodeIdOrderMatchesPackedBytes(t *testing.T) {
	cases := []struct {
		a, b NodeId
	}{
		{NodeId{Term: 1, UUID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}, NodeId{Term: 2, UUID: uuid.Nil}},
		{NodeId{Term: 5, UUID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}, NodeId{Term: 5, UUID: uuid.MustParse("00000000-0000-0000-0000-000000000002")}},
		{NodeId{Term: 0, UUID: uuid.Nil}, NodeId{Term: 0, UUID: uuid.Nil}},
	}
	for _, c := range cases {
		wantLess := c.a.Less(c.b)
		gotLess := bytes.Compare(c.a.Pack(nil), c.b.Pack(nil)) < 0
		if wantLess != gotLess {
			t.Errorf("a=%v b=%v: Less()=%v but packed byte compare=%v", c.a, c.b, wantLess, gotLess)
		}
	}
}

func TestUnpackNodeIdTruncated(t *testing.T) {
	_, _, err := UnpackNodeId(make([]byte, NodeIDSize-1))
	if err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestSafeKeeperInfoRoundTrip(t *testing.T) {
	info := NewSafeKeeperInfo()
	info.Epoch = 3
	info.Server.SystemID = 42
	info.Server.WalSegSize = 16 * 1024 * 1024
	info.Server.NodeID = NodeId{Term: 7, UUID: uuid.New()}
	info.CommitLSN = 8192
	info.FlushLSN = 8192
	info.RestartLSN = 0

	buf := info.Pack(nil)
	if len(buf) != SafeKeeperInfoSize {
		t.Fatalf("expected %d bytes, got %d", SafeKeeperInfoSize, len(buf))
	}
	got, rest, err := UnpackSafeKeeperInfo(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %d bytes", len(rest))
	}
	if got != info {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, info)
	}
}

func TestSafeKeeperRequestRoundTrip(t *testing.T) {
	req := SafeKeeperRequest{
		SenderID:   NodeId{Term: 1, UUID: uuid.New()},
		BeginLSN:   0,
		EndLSN:     8192,
		RestartLSN: 0,
		CommitLSN:  0,
	}
	buf := req.Pack(nil)
	got, rest, err := UnpackSafeKeeperRequest(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder")
	}
	if got != req {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestHotStandbyFeedbackMerge(t *testing.T) {
	agg := NeutralHotStandbyFeedback()
	agg = agg.Merge(HotStandbyFeedback{TS: 10, Xmin: 100, CatalogXmin: 90})
	agg = agg.Merge(HotStandbyFeedback{TS: 5, Xmin: 50, CatalogXmin: 95})

	if agg.TS != 10 {
		t.Errorf("expected max ts 10, got %d", agg.TS)
	}
	if agg.Xmin != 50 {
		t.Errorf("expected min xmin 50, got %d", agg.Xmin)
	}
	if agg.CatalogXmin != 90 {
		t.Errorf("expected min catalog_xmin 90, got %d", agg.CatalogXmin)
	}
}

func TestSafeKeeperResponseRoundTrip(t *testing.T) {
	resp := SafeKeeperResponse{
		Epoch:    1,
		FlushLSN: 8192,
		HSFeedback: HotStandbyFeedback{
			TS:          0,
			Xmin:        ^uint64(0),
			CatalogXmin: ^uint64(0),
		},
	}
	buf := resp.Pack(nil)
	if len(buf) != SafeKeeperResponseSize {
		t.Fatalf("expected %d bytes, got %d", SafeKeeperResponseSize, len(buf))
	}
	got, _, err := UnpackSafeKeeperResponse(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got != resp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}
