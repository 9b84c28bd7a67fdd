package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockScriptedResponses(t *testing.T) {
	ctx := context.Background()
	mock := NewMock(nil).Script("first", "second")

	resp, err := mock.Execute(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "first", resp)

	resp, err = mock.ExecuteWithSystem(ctx, "again", "system prompt")
	require.NoError(t, err)
	assert.Equal(t, "second", resp)

	// Script exhausted: falls back to the echo response.
	resp, err = mock.Execute(ctx, "third")
	require.NoError(t, err)
	assert.Contains(t, resp, "third")

	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, []string{"hello", "again", "third"}, mock.Prompts())
}

func TestMockFailFirst(t *testing.T) {
	ctx := context.Background()
	mock := NewMock(nil).Script("recovered").FailFirst(2)

	_, err := mock.Execute(ctx, "a")
	require.Error(t, err)
	_, err = mock.Execute(ctx, "b")
	require.Error(t, err)

	resp, err := mock.Execute(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp)
}

func TestMockHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := NewMock(nil)
	_, err := mock.Execute(ctx, "late")
	assert.ErrorIs(t, err, context.Canceled)
}
