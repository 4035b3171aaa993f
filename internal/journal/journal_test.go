package journal

import (
	"fmt"
	"testing"
)

func TestAddNewestFirstAndTrim(t *testing.T) {
	j := New(5, 3)
	for i := 0; i < 8; i++ {
		tenant := "a"
		if i%2 == 1 {
			tenant = "b"
		}
		j.Add(Entry{ID: fmt.Sprint(i), Tenant: tenant, Kind: KindText})
	}

	if got := j.Count(); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
	recent := j.Recent(0)
	if recent[0].ID != "7" || recent[4].ID != "3" {
		t.Errorf("Recent = %v", ids(recent))
	}

	a := j.ForTenant("a", 0)
	if len(a) != 3 || a[0].ID != "6" || a[2].ID != "2" {
		t.Errorf("ForTenant(a) = %v", ids(a))
	}
	if got := j.ForTenant("a", 1); len(got) != 1 || got[0].ID != "6" {
		t.Errorf("ForTenant(a, 1) = %v", ids(got))
	}
	if got := j.ForTenant("nobody", 10); len(got) != 0 {
		t.Errorf("unknown tenant = %v", ids(got))
	}

	if _, ok := j.LastAt(); !ok {
		t.Error("LastAt should be set")
	}
	j.Forget("a")
	if got := j.ForTenant("a", 0); len(got) != 0 {
		t.Errorf("after Forget = %v", ids(got))
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	j := New(0, 0)
	j.Add(Entry{ID: "1", Tenant: "a"})
	got := j.Recent(10)
	got[0].ID = "mutated"
	if j.Recent(1)[0].ID != "1" {
		t.Error("Recent exposed internal slice")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"olá mundo", 3, "olá..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func ids(list []Entry) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}
