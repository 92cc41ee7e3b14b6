package logger

import "testing"

func TestSetupLevels(t *testing.T) {
	cases := []struct {
		level  string
		format string
	}{
		{"debug", "console"},
		{"INFO", "json"},
		{"warn", "json"},
		{"error", "console"},
		{"bogus", "console"}, // falls back to info
	}

	for _, c := range cases {
		Setup(c.level, c.format)
		if Log == nil {
			t.Fatalf("Setup(%q, %q) left Log nil", c.level, c.format)
		}
		// Must not panic with odd or non-string keys.
		Log.Debug("probe", "k", 1)
		Log.Info("probe", "k", 1, "dangling")
		Log.Warn("probe", 42, "v")
	}
}

func TestWithRank(t *testing.T) {
	Setup("error", "json")
	child := Log.WithRank(1, 0)
	if child == nil || child == Log {
		t.Fatalf("WithRank should return a distinct child logger")
	}
	child.Error("probe", "stage", "decoder")
}
