package job

import (
	"errors"
	"testing"
)

func TestParseKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Key
		wantErr bool
	}{
		{raw: "nightly/reports", want: Key{Name: "nightly", Group: "reports"}},
		{raw: " a / b ", want: Key{Name: "a", Group: "b"}},
		{raw: "missing-group", wantErr: true},
		{raw: "a/b/c", wantErr: true},
		{raw: "/b", wantErr: true},
		{raw: "a/", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKey(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("ParseKey(%q) err = %v, want ErrInvalidKey", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseKey(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if got.String() != tt.want.Name+"/"+tt.want.Group {
				t.Fatalf("String() = %q", got.String())
			}
		})
	}
}

func TestNewKeyDefaultsGroup(t *testing.T) {
	t.Parallel()
	k := NewKey("job", "")
	if k.Group != DefaultGroup {
		t.Fatalf("Group = %q, want %q", k.Group, DefaultGroup)
	}
	if err := k.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestKeyCompare(t *testing.T) {
	t.Parallel()
	a := Key{Name: "z", Group: "a"}
	b := Key{Name: "a", Group: "b"}
	if !a.Less(b) {
		t.Fatal("expected group to dominate ordering")
	}
	if (Key{Name: "a", Group: "g"}).Compare(Key{Name: "b", Group: "g"}) >= 0 {
		t.Fatal("expected name ordering within a group")
	}
}

func TestUnavailableWrapsBoth(t *testing.T) {
	t.Parallel()
	base := errors.New("disk I/O error")
	err := Unavailable("acquire", base)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, base) {
		t.Fatalf("Unavailable should match both sentinel and cause: %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("expected retryable")
	}
	if IsRetryable(NotFound("trigger", NewKey("a", "b"))) {
		t.Fatal("not found must not be retryable")
	}
}

func TestEffectiveState(t *testing.T) {
	t.Parallel()
	tr := Trigger{State: StateWaiting, Paused: true}
	if tr.EffectiveState() != StatePaused {
		t.Fatalf("EffectiveState = %s", tr.EffectiveState())
	}
	tr.State = StateAcquired
	if tr.EffectiveState() != StateAcquired {
		t.Fatalf("in-flight paused trigger should report ACQUIRED, got %s", tr.EffectiveState())
	}
}
