package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseArgsUp(t *testing.T) {
	opts, err := parseArgs([]string{"-database", "postgresql://localhost/eventwait", "-timeout", "5s", "up"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "up", opts.command)
	require.Equal(t, 5*time.Second, opts.timeout)
	require.Empty(t, opts.dir)
}

func TestParseArgsDownSteps(t *testing.T) {
	opts, err := parseArgs([]string{"-database", "postgresql://localhost/eventwait", "down", "3"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "down", opts.command)
	require.Equal(t, 3, opts.steps)

	opts, err = parseArgs([]string{"-database", "postgresql://localhost/eventwait", "down"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, 1, opts.steps)
}

func TestParseArgsDatabaseFromEnv(t *testing.T) {
	t.Setenv(databaseEnv, "postgresql://env/eventwait")
	opts, err := parseArgs([]string{"up"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "postgresql://env/eventwait", opts.dsn)
}

func TestParseArgsRejectsBadInput(t *testing.T) {
	t.Setenv(databaseEnv, "")
	cases := map[string][]string{
		"missing dsn":     {"up"},
		"missing command": {"-database", "postgresql://localhost/eventwait"},
		"unknown command": {"-database", "postgresql://localhost/eventwait", "sideways"},
		"bad steps":       {"-database", "postgresql://localhost/eventwait", "down", "zero"},
		"negative steps":  {"-database", "postgresql://localhost/eventwait", "down", "-2"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(args, io.Discard)
			require.Error(t, err)
		})
	}
}
