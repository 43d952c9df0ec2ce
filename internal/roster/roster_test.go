package roster

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "roster.csv", "SiteID,soil,dly,lat,lon,opc\nA1,a.sol,a.dly,10,20,a.opc\nA2,b.sol,b.dly,11,21,\n")
	recs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].SiteID != "A1" || recs[0].Lat != 10 {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
}

func TestFilterByOPC(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.opc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	records := []Record{{SiteID: "A1", Opc: "a.opc"}, {SiteID: "A2", Opc: "missing.opc"}}
	kept, dropped := FilterByOPC(records, dir)
	if len(kept) != 1 || kept[0].SiteID != "A1" {
		t.Fatalf("kept = %+v, want just A1", kept)
	}
	if len(dropped) != 1 || dropped[0] != "A2" {
		t.Fatalf("dropped = %v, want [A2]", dropped)
	}
}

func TestFilterRangeFullRoster(t *testing.T) {
	records := []Record{{SiteID: "A"}, {SiteID: "B"}, {SiteID: "C"}, {SiteID: "D"}}
	out, err := Filter(records, "Range(0,1)")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != len(records) {
		t.Fatalf("Range(0,1) should return all rows, got %d", len(out))
	}
}

func TestFilterRangeSubset(t *testing.T) {
	records := []Record{{SiteID: "A"}, {SiteID: "B"}, {SiteID: "C"}, {SiteID: "D"}}
	out, err := Filter(records, "Range(0,0.5)")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 2 || out[0].SiteID != "A" || out[1].SiteID != "B" {
		t.Fatalf("unexpected subset: %+v", out)
	}
}

func TestFilterUnionDedupKeepsLast(t *testing.T) {
	records := []Record{
		{SiteID: "A", Lat: 1},
		{SiteID: "B", Lat: 2},
	}
	// Both groups select everything; the union should dedup to one row per
	// SiteID, keeping the second group's values.
	modified := []Record{{SiteID: "A", Lat: 99}, {SiteID: "B", Lat: 2}}
	all := append(append([]Record{}, records...), modified...)
	out := dedupKeepLast(all)
	for _, r := range out {
		if r.SiteID == "A" && r.Lat != 99 {
			t.Fatalf("expected last occurrence's Lat to win, got %v", r.Lat)
		}
	}
}

func TestFilterRowPredicate(t *testing.T) {
	records := []Record{{SiteID: "A", Lat: 10}, {SiteID: "B", Lat: 50}}
	out, err := Filter(records, "lat > 20")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out) != 1 || out[0].SiteID != "B" {
		t.Fatalf("unexpected result: %+v", out)
	}
}
