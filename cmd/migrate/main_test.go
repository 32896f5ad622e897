package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{name: "no args", args: nil, want: command{name: "up"}},
		{name: "up", args: []string{"up"}, want: command{name: "up"}},
		{name: "down", args: []string{"down"}, want: command{name: "down"}},
		{name: "force", args: []string{"force", "3"}, want: command{name: "force", version: 3}},
		{name: "force without version", args: []string{"force"}, wantErr: true},
		{name: "force with bad version", args: []string{"force", "x"}, wantErr: true},
		{name: "unknown", args: []string{"sideways"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCommand(tc.args)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
