package balance

import (
	"errors"
	"slices"
	"testing"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantName string
		wantArgs []string
		wantErr  bool
	}{
		{"simple", "simple", nil, false},
		{"  cyclic  ", "cyclic", nil, false},
		{"workqueue()", "workqueue", nil, false},
		{"workqueue(-granularity 10)", "workqueue", []string{"-granularity", "10"}, false},
		{"workqueue( -granularity\t10 )", "workqueue", []string{"-granularity", "10"}, false},
		{"a(b(c d) e)", "a", []string{"b(c d)", "e"}, false},
		{"", "", nil, true},
		{"two words", "", nil, true},
		{"x y(1)", "", nil, true},
		{"wq(-g 1", "", nil, true},
		{"wq(-g 1) junk", "", nil, true},
		{"wq((a)", "", nil, true},
		{"wq(a))", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, args, err := ParseSpec(tt.spec)
			if tt.wantErr {
				if !errors.Is(err, ErrSpec) {
					t.Fatalf("ParseSpec(%q) err = %v, want ErrSpec", tt.spec, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSpec(%q) unexpected error: %v", tt.spec, err)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if !slices.Equal(args, tt.wantArgs) {
				t.Errorf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewDefaultRegistry()
	want := []string{"cyclic", "simple", "workqueue"}
	if got := r.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	for _, name := range want {
		lb, err := r.Select(name)
		if err != nil {
			t.Fatalf("Select(%q): %v", name, err)
		}
		if NameOf(lb) != name {
			t.Errorf("Select(%q) built %q", name, NameOf(lb))
		}
	}
}

func TestRegistry_WorkQueueGranularity(t *testing.T) {
	r := NewDefaultRegistry()
	for _, spec := range []string{
		"workqueue(-granularity 12)",
		"workqueue(--granularity 12)",
		"workqueue(--granularity=12)",
	} {
		lb, err := r.Select(spec)
		if err != nil {
			t.Fatalf("Select(%q): %v", spec, err)
		}
		if g := lb.(*WQ).Granularity(); g != 12 {
			t.Errorf("Select(%q) granularity = %d, want 12", spec, g)
		}
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		spec string
		want error
	}{
		{"nosuch", ErrUnknown},
		{"simple(-x)", ErrArgs},
		{"workqueue(-granularity)", ErrArgs},
		{"workqueue(-granularity abc)", ErrArgs},
		{"workqueue(-granularity 0)", ErrArgs},
		{"workqueue(-bogus 3)", ErrArgs},
		{"workqueue(extra)", ErrArgs},
		{"workqueue(", ErrSpec},
	}
	for _, tt := range tests {
		if _, err := r.Select(tt.spec); !errors.Is(err, tt.want) {
			t.Errorf("Select(%q) err = %v, want %v", tt.spec, err, tt.want)
		}
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewDefaultRegistry()
	err := r.Register("simple", func([]string) (LoadBalancer, error) { return NewSimple(), nil })
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Register duplicate err = %v, want ErrDuplicate", err)
	}
}

func TestRegistry_Capacity(t *testing.T) {
	r := NewRegistry(WithCapacity(1))
	if err := r.Register("one", NewWQFromArgs); err != nil {
		t.Fatalf("Register: %v", err)
	}
	assertPanics(t, func() {
		_ = r.Register("two", NewWQFromArgs)
	})
}

func TestRegistry_SelectOrDefault(t *testing.T) {
	r := NewDefaultRegistry()
	if got := NameOf(r.SelectOrDefault("nosuch(1 2)")); got != "simple" {
		t.Errorf("fallback = %q, want simple", got)
	}
	if got := NameOf(r.SelectOrDefault("cyclic")); got != "cyclic" {
		t.Errorf("SelectOrDefault(cyclic) = %q", got)
	}
}
