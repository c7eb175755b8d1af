package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--loopback"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_PingLoopback(t *testing.T) {
	out, err := runCLI(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "OK tier=complete")
}

func TestCLI_RandomLoopback(t *testing.T) {
	out, err := runCLI(t, "random", "16")
	require.NoError(t, err)
	// 16 bytes render as 32 hex characters.
	assert.Len(t, strings.TrimSpace(out), 32)
}

func TestCLI_KeygenLoopback(t *testing.T) {
	out, err := runCLI(t, "keygen", "--algorithm", "AES-GCM", "--bits", "256")
	require.NoError(t, err)
	assert.Contains(t, out, `"bytes":32`)
}

func TestCLI_RandomRejectsBadLength(t *testing.T) {
	_, err := runCLI(t, "random", "many")
	require.Error(t, err)
}

func TestCLI_RequiresServiceCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"ping"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.command")
}
