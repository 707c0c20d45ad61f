package validator

import (
	"testing"
)

func TestNormalizeRepoPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"src/a.py", "src/a.py"},
		{"./src/a.py", "src/a.py"},
		{"  src/a.py  ", "src/a.py"},
		{`src\pkg\a.go`, "src/pkg/a.go"},
		{"src//pkg///a.go", "src/pkg/a.go"},
		{`.\src\a.py`, "src/a.py"},
	}
	for _, tc := range cases {
		if got := NormalizeRepoPath(tc.in); got != tc.want {
			t.Errorf("NormalizeRepoPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChangedSetMatchesNormalizedForms(t *testing.T) {
	set := changedSet([]string{"./src/a.py", `lib\b.go`})
	for _, path := range []string{"src/a.py", "lib/b.go"} {
		if !set[path] {
			t.Errorf("expected %q in changed set", path)
		}
	}
	if set["src/missing.py"] {
		t.Error("unexpected match for file outside changelist")
	}
}
