package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/herald/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() string
		prefix id.Prefix
	}{
		{"Job", id.NewJob, id.PrefixJob},
		{"DeadLetter", id.NewDeadLetter, id.PrefixDeadLetter},
		{"Lease", id.NewLease, id.PrefixLease},
		{"Node", id.NewNode, id.PrefixNode},
		{"Conn", id.NewConn, id.PrefixConn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn()
			if !id.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
			if err := id.Check(got); err != nil {
				t.Errorf("generated id %q failed Check: %v", got, err)
			}
		})
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		v := id.NewJob()
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = struct{}{}
	}
}

func TestNewIsSortable(t *testing.T) {
	a := id.NewJob()
	b := id.NewJob()
	if strings.Compare(a, b) >= 0 {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"order-42", false},
		{"brand_7.logo", false},
		{"", true},
		{"has space", true},
		{"colon:sep", true},
		{strings.Repeat("a", id.MaxLen), false},
		{strings.Repeat("a", id.MaxLen+1), true},
	}
	for _, tt := range tests {
		err := id.Check(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Check(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
