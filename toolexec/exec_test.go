package toolexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/config"
)

func TestInvokeRunsConfiguredCommand(t *testing.T) {
	e := New(map[string]config.ToolCommand{
		"echo": {Command: "/bin/echo", Args: []string{"hello"}},
	}, nil)

	result, err := e.Invoke(context.Background(), "echo", map[string]any{"loud": true})
	require.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, true, m["success"])
	assert.Contains(t, m["output"], "hello")
	assert.Contains(t, m["output"], "--loud=true")
}

func TestInvokeUnknownToolErrors(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestInvokeReportsNonZeroExit(t *testing.T) {
	e := New(map[string]config.ToolCommand{
		"fail": {Command: "/bin/false", Timeout: time.Second},
	}, nil)

	result, err := e.Invoke(context.Background(), "fail", nil)
	require.NoError(t, err)
	assert.Equal(t, false, result.(map[string]any)["success"])
}

func TestTailTruncatesToLastNCharacters(t *testing.T) {
	assert.Equal(t, "cde", tail("abcde", 3))
	assert.Equal(t, "abcde", tail("abcde", 10))
}
