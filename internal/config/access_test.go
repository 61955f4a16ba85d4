package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), "yaml")
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root field", path: "state.path", want: "./data/convoy.db"},
		{name: "duration renders as text", path: "locks.acquire_timeout", want: "30s"},
		{name: "missing key", path: "state.missing", wantErr: true},
		{name: "not a map", path: "state.path.deeper", wantErr: true},
		{name: "phase entity", path: "phase:build", want: cfg.Phases["build"]},
		{name: "group entity", path: "group:build/db", want: cfg.Phases["build"][1]},
		{name: "rule entity", path: "rule:schema", want: cfg.Rules[0]},
		{name: "unknown rule", path: "rule:nope", wantErr: true},
		{name: "bad group address", path: "group:api", wantErr: true},
		{name: "unknown entity type", path: "widget:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
