package replica

import "testing"

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     Change
	}{
		{"no change", "abc", "abc", Change{Prefix: 3}},
		{"type at end", "ab", "abc", Change{Prefix: 2, Inserted: "c"}},
		{"type at start", "bc", "abc", Change{Prefix: 0, Inserted: "a"}},
		{"backspace", "abc", "ac", Change{Prefix: 1, Deleted: 1}},
		{"paste over selection", "hello world", "hello there", Change{Prefix: 6, Deleted: 5, Inserted: "there"}},
		{"repeated letters", "aaa", "aaaa", Change{Prefix: 3, Inserted: "a"}},
		{"clear", "abc", "", Change{Prefix: 0, Deleted: 3}},
		{"from empty", "", "xyz", Change{Prefix: 0, Inserted: "xyz"}},
		{"multibyte", "héllo", "hallo", Change{Prefix: 1, Deleted: 1, Inserted: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Diff(tt.old, tt.new); got != tt.want {
				t.Errorf("Diff(%q, %q) = %+v, want %+v", tt.old, tt.new, got, tt.want)
			}
		})
	}
}
