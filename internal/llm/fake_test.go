package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClientReturnsQueuedResponsesInOrder(t *testing.T) {
	client := NewFakeClient(
		Response{Content: "first"},
		Response{Content: "second"},
	)

	r1, err := client.Complete(context.Background(), Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Content)

	r2, err := client.Complete(context.Background(), Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Content)

	assert.Len(t, client.Calls(), 2)
}

func TestFakeClientErrorsWhenExhausted(t *testing.T) {
	client := NewFakeClient()
	_, err := client.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestFakeClientScriptOverridesQueue(t *testing.T) {
	client := NewFakeClient()
	client.Script = func(req Request) (Response, error) {
		return Response{Content: "echo:" + req.System}, nil
	}

	r, err := client.Complete(context.Background(), Request{System: "score this"})
	require.NoError(t, err)
	assert.Equal(t, "echo:score this", r.Content)
}
