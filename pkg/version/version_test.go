package version

import "testing"

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"name", "version", "buildTime", "gitCommit", "goVersion"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}

func TestUserAgent(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "v1.2.0"
	if got := UserAgent(); got != "recall/v1.2.0" {
		t.Errorf("UserAgent() = %q", got)
	}
}
