package layout

import (
	"debug/dwarf"
	"reflect"
	"testing"
)

func TestIsFutureTypeName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"{async_fn_env#0}<embassy_time::Duration>", true},
		{"{async_block_env#0}", true},
		{"async_fn$0<u32>", true},
		{"{gen_fn#1}", true},
		{"TaskPool<app::__blink_task>", false},
		{"Join<A,B>", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isFutureTypeName(tt.name); got != tt.want {
			t.Errorf("isFutureTypeName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStaticAddress(t *testing.T) {
	entry := func(expr []byte) *dwarf.Entry {
		return &dwarf.Entry{Field: []dwarf.Field{
			{Attr: dwarf.AttrLocation, Val: expr, Class: dwarf.ClassExprLoc},
		}}
	}

	tests := []struct {
		name   string
		entry  *dwarf.Entry
		want   uint64
		wantOK bool
	}{
		{"4-byte addr", entry([]byte{0x03, 0x00, 0x00, 0x00, 0x20}), 0x2000_0000, true},
		{"8-byte addr", entry([]byte{0x03, 0x34, 0x12, 0, 0, 0, 0, 0, 0}), 0x1234, true},
		{"not DW_OP_addr", entry([]byte{0x91, 0x7c}), 0, false},
		{"truncated", entry([]byte{0x03, 0x00}), 0, false},
		{"no location", &dwarf.Entry{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := staticAddress(tt.entry)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("staticAddress() = %#x, %v; want %#x, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPCRange(t *testing.T) {
	entry := func(low, high interface{}) *dwarf.Entry {
		e := &dwarf.Entry{}
		if low != nil {
			e.Field = append(e.Field, dwarf.Field{Attr: dwarf.AttrLowpc, Val: low, Class: dwarf.ClassAddress})
		}
		if high != nil {
			e.Field = append(e.Field, dwarf.Field{Attr: dwarf.AttrHighpc, Val: high})
		}
		return e
	}

	tests := []struct {
		name      string
		entry     *dwarf.Entry
		low, high uint64
		ok        bool
	}{
		{"absolute high pc", entry(uint64(0x1000), uint64(0x1040)), 0x1000, 0x1040, true},
		{"relative high pc", entry(uint64(0x1000), int64(0x40)), 0x1000, 0x1040, true},
		{"missing low pc", entry(nil, int64(0x40)), 0, 0, false},
		{"missing high pc", entry(uint64(0x1000), nil), 0x1000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low, high, ok := pcRange(tt.entry)
			if ok != tt.ok {
				t.Fatalf("pcRange() ok = %v, want %v", ok, tt.ok)
			}
			if ok && (low != tt.low || high != tt.high) {
				t.Errorf("pcRange() = %#x, %#x; want %#x, %#x", low, high, tt.low, tt.high)
			}
		})
	}
}

func TestHasNamespaceSuffix(t *testing.T) {
	ns := []string{"embassy_futures", "join"}
	if !hasNamespaceSuffix(ns, "embassy_futures", "join") {
		t.Error("exact suffix not matched")
	}
	if !hasNamespaceSuffix([]string{"crate", "embassy_futures", "join"}, "embassy_futures", "join") {
		t.Error("nested suffix not matched")
	}
	if hasNamespaceSuffix(ns, "select") {
		t.Error("wrong suffix matched")
	}
	if hasNamespaceSuffix([]string{"join"}, "embassy_futures", "join") {
		t.Error("short namespace matched")
	}
}

func TestJoinPath(t *testing.T) {
	if got := joinPath([]string{"a", "b"}, "c"); got != "a::b::c" {
		t.Errorf("joinPath = %q", got)
	}
	if got := joinPath([]string{"a"}, ""); got != "a" {
		t.Errorf("joinPath with empty name = %q", got)
	}
	if got := joinPath(nil, "c"); got != "c" {
		t.Errorf("joinPath with empty ns = %q", got)
	}
}

func TestSortMembersByOffset(t *testing.T) {
	fn := &AsyncFn{
		Name: "f",
		Members: []Member{
			{FieldName: "late", Field: Field{Offset: 24, Size: 4}},
			{FieldName: "early", Field: Field{Offset: 8, Size: 4}},
			{FieldName: "mid", Field: Field{Offset: 16, Size: 4}},
		},
		Points: []SuspensionPoint{
			{Discriminant: 0, ActiveMembers: []int{0, 1}},
			{Discriminant: 1, ActiveMembers: []int{2}},
		},
	}

	sortMembersByOffset(fn)

	gotNames := []string{fn.Members[0].FieldName, fn.Members[1].FieldName, fn.Members[2].FieldName}
	if !reflect.DeepEqual(gotNames, []string{"early", "mid", "late"}) {
		t.Fatalf("member order = %v", gotNames)
	}
	// "late" moved to index 2, "early" to 0; active sets follow and stay sorted.
	if !reflect.DeepEqual(fn.Points[0].ActiveMembers, []int{0, 2}) {
		t.Errorf("point 0 members = %v, want [0 2]", fn.Points[0].ActiveMembers)
	}
	if !reflect.DeepEqual(fn.Points[1].ActiveMembers, []int{1}) {
		t.Errorf("point 1 members = %v, want [1]", fn.Points[1].ActiveMembers)
	}
}
