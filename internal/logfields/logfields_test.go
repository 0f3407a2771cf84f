package logfields

import (
	"errors"
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"TaskRunID", KeyTaskRunID, "run-1", TaskRunID("run-1")},
		{"TaskID", KeyTaskID, "task-1", TaskID("task-1")},
		{"TeamScope", KeyTeamScope, "acme", TeamScope("acme")},
		{"Repository", KeyRepo, "widgets", Repository("widgets")},
		{"Project", KeyProject, "acme/widgets", Project("acme/widgets")},
		{"Branch", KeyBranch, "feature/x", Branch("feature/x")},
		{"BaseBranch", KeyBaseBranch, "main", BaseBranch("main")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"Origin", KeyOrigin, "/tmp/origin", Origin("/tmp/origin")},
		{"Mode", KeyMode, "legacy", Mode("legacy")},
		{"Operation", KeyOperation, "fetch", Operation("fetch")},
		{"URL", KeyURL, "https://example.com", URL("https://example.com")},
	}
	for _, c := range cases {
		if c.attr.Key != c.attrKey {
			t.Fatalf("%s: key = %q, want %q", c.name, c.attr.Key, c.attrKey)
		}
		if c.attr.Value.String() != c.attrVal {
			t.Fatalf("%s: value = %q, want %q", c.name, c.attr.Value.String(), c.attrVal)
		}
	}
}

func TestErrorHelper(t *testing.T) {
	if got := Error(nil).Value.String(); got != "" {
		t.Fatalf("Error(nil) = %q, want empty", got)
	}
	if got := Error(errors.New("boom")).Value.String(); got != "boom" {
		t.Fatalf("Error(boom) = %q", got)
	}
	if Attempt(3).Value.Int64() != 3 {
		t.Fatalf("Attempt(3) mismatch")
	}
}
