package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	last Request
	resp Response
}

func (f *fakeRuntime) Complete(_ context.Context, req Request) (Response, error) {
	f.last = req
	return f.resp, nil
}

func TestResponsesBuildsTwoMessagePrompt(t *testing.T) {
	rt := &fakeRuntime{resp: Response{Text: "ok"}}

	resp, err := Responses(context.Background(), rt, "sys", "user",
		WithModel("m1"), WithMaxTokens(128), WithJSONOutput())
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)

	require.Len(t, rt.last.Messages, 2)
	require.Equal(t, RoleSystem, rt.last.Messages[0].Role)
	require.Equal(t, "sys", rt.last.Messages[0].Content)
	require.Equal(t, RoleUser, rt.last.Messages[1].Role)
	require.Equal(t, "m1", rt.last.Model)
	require.Equal(t, 128, rt.last.MaxTokens)
	require.True(t, rt.last.ForceJSON)
}

func TestDecodeJSON(t *testing.T) {
	var out map[string]any

	require.NoError(t, DecodeJSON(`{"a":1}`, &out))
	require.Equal(t, float64(1), out["a"])

	out = nil
	fenced := "```json\n{\"a\":2}\n```"
	require.NoError(t, DecodeJSON(fenced, &out))
	require.Equal(t, float64(2), out["a"])

	require.Error(t, DecodeJSON("not json", &out))
}
