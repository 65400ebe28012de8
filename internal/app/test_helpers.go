package app

import (
	"bytes"
	"testing"

	"github.com/specialistvlad/frozengraph/internal/frozen"
	"github.com/specialistvlad/frozengraph/internal/testutil"
)

// SetupAppTest creates an App for system tests. It returns the buffer the
// app prints results to and the buffer holding its debug logs, which are
// dumped after the test when FG_TEST_LOGS=true.
func SetupAppTest(t *testing.T, cfg *Config, opts ...frozen.Option) (*App, *bytes.Buffer, *testutil.SafeBuffer) {
	t.Helper()

	out := &bytes.Buffer{}
	logs := &testutil.SafeBuffer{}
	cfg.LogLevel = "debug"
	cfg.LogFormat = "text"
	testApp := NewApp(out, logs, cfg, opts...)

	t.Cleanup(func() {
		if testutil.LogsEnabled() {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return testApp, out, logs
}
