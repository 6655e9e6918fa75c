package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
)

type echoInput struct {
	Value string `json:"value"`
}

type echoOutput struct {
	Echo string `json:"echo"`
}

func echoHandler(_ context.Context, _ authctx.Context,
	in echoInput) (echoOutput, error) {

	return echoOutput{Echo: in.Value}, nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	require.NoError(t, r.Register("echo", Typed(echoHandler)))

	err := r.Register("echo", Typed(echoHandler))
	require.ErrorIs(t, err, ErrDuplicateProcedure)

	require.ElementsMatch(t, []string{"echo"}, r.Procedures())
}

func TestCallDispatchesTyped(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	r.MustRegister("echo", Typed(echoHandler))

	out, err := r.Call(
		context.Background(), authctx.Context{}, "echo",
		json.RawMessage(`{"value":"hi"}`),
	)
	require.NoError(t, err)
	require.Equal(t, echoOutput{Echo: "hi"}, out)
}

func TestCallUnknownProcedure(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	_, err := r.Call(
		context.Background(), authctx.Context{}, "nope", nil,
	)
	require.Equal(t, CodeProcedureNotFound, CodeOf(err))
}

func TestTypedRejectsBadInput(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	r.MustRegister("echo", Typed(echoHandler))

	_, err := r.Call(
		context.Background(), authctx.Context{}, "echo",
		json.RawMessage(`{"value":42}`),
	)
	require.Equal(t, CodeValidationFailed, CodeOf(err))
}

func TestCallClassifiesSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"version conflict", fmt.Errorf("append: %w",
			event.ErrVersionConflict), CodeVersionConflict},
		{"not found", fmt.Errorf("read: %w", event.ErrNotFound),
			CodeNotFound},
		{"permission", &authctx.PermissionDeniedError{
			Capability: "process:start"}, CodePermissionDenied},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"unknown", errors.New("boom"), CodeInternal},
		{"passthrough", Errorf(CodeMailboxFull, "full"),
			CodeMailboxFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter()
			r.MustRegister("fail", func(context.Context,
				authctx.Context, json.RawMessage) (any, error) {

				return nil, tc.err
			})

			_, err := r.Call(
				context.Background(), authctx.Context{},
				"fail", nil,
			)
			require.Equal(t, tc.want, CodeOf(err))

			// The cause survives wrapping.
			if tc.name == "version conflict" {
				require.ErrorIs(t, err,
					event.ErrVersionConflict)
			}
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	req := Request{Procedure: "echo", Input: json.RawMessage(`{}`)}
	require.NoError(t, req.Validate())

	req = Request{Input: json.RawMessage(`{}`)}
	err := req.Validate()
	require.Equal(t, CodeValidationFailed, CodeOf(err))

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, []FieldError{{Field: "p", Reason: "required"}},
		rpcErr.Details)

	req = Request{Procedure: "echo", Input: json.RawMessage(`{broken`)}
	require.Equal(t, CodeValidationFailed, CodeOf(req.Validate()))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	// An accepted body decodes, re-encodes, and decodes to an equal
	// value.
	body := []byte(`{"p":"process.start","i":{"processId":"order"}}`)

	var first Request
	require.NoError(t, json.Unmarshal(body, &first))
	require.NoError(t, first.Validate())

	encoded, err := json.Marshal(first)
	require.NoError(t, err)

	var second Request
	require.NoError(t, json.Unmarshal(encoded, &second))
	require.Equal(t, first.Procedure, second.Procedure)
	require.JSONEq(t, string(first.Input), string(second.Input))
}

func TestResponseEnvelopes(t *testing.T) {
	t.Parallel()

	resp, err := NewResponse(echoOutput{Echo: "hi"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.JSONEq(t, `{"echo":"hi"}`, string(resp.Result))
	require.Nil(t, resp.Err)

	fail := ErrorResponse(errors.New("boom"), "req_1_abc")
	require.False(t, fail.OK)
	require.Equal(t, CodeInternal, fail.Err.Code)
	require.Equal(t, "req_1_abc", fail.Err.CorrelationID)

	// The wire form never leaks the cause chain.
	raw, err := json.Marshal(fail)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "cause")
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(CodeVersionConflict))
	require.True(t, Retryable(CodeMailboxFull))
	require.True(t, Retryable(CodeServerAtCapacity))
	require.True(t, Retryable(CodeTimeout))
	require.False(t, Retryable(CodeBadRequest))
	require.False(t, Retryable(CodeInternal))
	require.False(t, Retryable(CodePermissionDenied))
}

func TestCallHonorsDeadline(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	r.MustRegister("slow", func(ctx context.Context, _ authctx.Context,
		_ json.RawMessage) (any, error) {

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	_, err := r.Call(ctx, authctx.Context{}, "slow", nil)
	require.Equal(t, CodeTimeout, CodeOf(err))
}
