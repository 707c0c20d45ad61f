package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DemonGiggle/criticizer/internal/config"
)

func TestLocalUploaderWritesSanitizedKey(t *testing.T) {
	dir := t.TempDir()
	up, err := New(context.Background(), config.Config{ResultLocalDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref, err := up.Upload(context.Background(), "./results/job-1.json", []byte(`{"findings":[]}`), "application/json")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	want := filepath.Join(dir, "results", "job-1.json")
	if ref != want {
		t.Fatalf("ref = %q, want %q", ref, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != `{"findings":[]}` {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestKeys(t *testing.T) {
	if got := ResultKey("job-1"); got != "results/job-1.json" {
		t.Fatalf("ResultKey = %q", got)
	}
	if got := RawKey("job-1", 3); got != "raw/job-1-3.json" {
		t.Fatalf("RawKey = %q", got)
	}
}
