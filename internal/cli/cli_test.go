package cli

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/frozengraph/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		want     *app.Config
		wantExit bool
		wantErr  string
	}{
		{
			name: "implicit run",
			args: []string{"-input", "x=1,2.5", "-output", "a, b", "-output", "c", "model.hcl"},
			want: &app.Config{
				Command:  app.CommandRun,
				ModelURL: "model.hcl",
				Inputs:   []app.InputValue{{Name: "x", Values: []float32{1, 2.5}}},
				Outputs:  []string{"a", "b", "c"},
				Mode:     app.ModeAuto, Runtime: app.RuntimeCPU, Listen: ":8090",
				LogFormat: "text", LogLevel: "info",
			},
		},
		{
			name: "explicit run with remote runtime",
			args: []string{"run", "-mode", "ASYNC", "-runtime", "http://gpu:8090/socket.io/", "-max-loop-iterations", "50", "-input", "empty=", "gs://models/loop/"},
			want: &app.Config{
				Command:  app.CommandRun,
				ModelURL: "gs://models/loop/",
				Inputs:   []app.InputValue{{Name: "empty", Values: []float32{}}},
				Mode:     app.ModeAsync, Runtime: "http://gpu:8090/socket.io/", MaxLoopIterations: 50, Listen: ":8090",
				LogFormat: "text", LogLevel: "info",
			},
		},
		{
			name: "serve",
			args: []string{"serve", "-listen", ":9000", "-healthcheck-port", "8081", "-log-format", "JSON", "-log-level", "debug"},
			want: &app.Config{
				Command: app.CommandServe, Listen: ":9000", HealthcheckPort: 8081,
				Mode: app.ModeAuto, Runtime: app.RuntimeCPU,
				LogFormat: "json", LogLevel: "debug",
			},
		},
		{name: "help", args: []string{"-h"}, wantExit: true},
		{name: "no model", args: []string{"run"}, wantExit: true},
		{name: "bad input", args: []string{"-input", "x", "m.hcl"}, wantErr: `must look like name=v1,v2`},
		{name: "bad number", args: []string{"-input", "x=1,two", "m.hcl"}, wantErr: `input "x"`},
		{name: "bad mode", args: []string{"-mode", "fast", "m.hcl"}, wantErr: `invalid mode "fast"`},
		{name: "bad log format", args: []string{"-log-format", "xml", "m.hcl"}, wantErr: "invalid log-format"},
		{name: "bad log level", args: []string{"-log-level", "trace", "m.hcl"}, wantErr: "invalid log-level"},
		{name: "unknown flag", args: []string{"-workers", "3", "m.hcl"}, wantErr: "flag provided but not defined: -workers"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			cfg, exit, err := Parse(tc.args, out)
			if tc.wantErr != "" {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, 2, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantExit, exit)
			if tc.wantExit {
				assert.Contains(t, out.String(), "Usage:")
				return
			}
			if diff := cmp.Diff(tc.want, cfg); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
