package model

import (
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeTask, IDTypeBranch} {
		t.Run(string(idType), func(t *testing.T) {
			id, err := NewIDGenerator(time.Now)(idType)
			if err != nil {
				t.Fatalf("generator(%s) returned error: %v", idType, err)
			}
			if typ, err := ParseIDType(id); err != nil || typ != idType {
				t.Errorf("ParseIDType(%q) = %q, %v", id, typ, err)
			}
			if !strings.HasPrefix(id, string(idType)+"_") {
				t.Errorf("expected prefix %q, got %q", idType, id)
			}
		})
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := NewIDGenerator(time.Now)("exec"); err == nil {
		t.Error("execution IDs are caller-chosen and must not be generated")
	}
}

func TestNewIDGenerator_UsesClockAndSorts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	gen := NewIDGenerator(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})

	var ids []string
	for i := 0; i < 50; i++ {
		id, err := gen(IDTypeTask)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("IDs of one type should sort by creation time")
	}
	if want := "task_" + strconv.FormatInt(base.Add(time.Millisecond).UnixMilli(), 10) + "_"; !strings.HasPrefix(ids[0], want) {
		t.Errorf("first ID %q should carry the clock stamp %q", ids[0], want)
	}
}

func TestParseIDType(t *testing.T) {
	tests := []struct {
		id   string
		want IDType
		ok   bool
	}{
		{"task_1771722000123_a3f2b7c1", IDTypeTask, true},
		{"br_1771722000123_00000000", IDTypeBranch, true},
		{"exec_1771722000123_deadbeef", "", false},
		{"task_1771722000_a3f2b7c1", "", false},
		{"task_1771722000123_A3F2B7C1", "", false},
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseIDType(tt.id)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseIDType(%q) = %q, %v", tt.id, got, err)
		}
	}
}
