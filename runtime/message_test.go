package runtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg, err := NewMessage("audio", "channels", ModeSet, map[string]any{"enabled": true})
	require.NoError(t, err)
	msg.ID = "req-1"

	frame, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, "audio", got.Target)
	assert.Equal(t, "channels", got.Field)
	assert.Equal(t, ModeSet, got.Mode)
	assert.False(t, got.Failed())
	assert.JSONEq(t, `{"enabled":true}`, string(got.Data))
}

func TestEncode_ModeIsNumeric(t *testing.T) {
	msg := &Message{Target: "session", Field: "identity", Mode: ModeEvt}
	frame, err := Encode(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, float64(5), raw["mode"])
	_, hasErr := raw["err"]
	assert.False(t, hasErr, "err must be absent on success")
	_, hasID := raw["id"]
	assert.False(t, hasID, "legacy records carry no id")
}

func TestEncode_RejectsInvalidMode(t *testing.T) {
	_, err := Encode(&Message{Target: "x", Field: "y", Mode: Mode(9)})
	assert.Error(t, err)
}

func TestDecode_ParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not json":       "{nope",
		"missing target": `{"field":"x","mode":0}`,
		"bad mode":       `{"target":"x","field":"y","mode":42}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "expected ParseError, got %v", err)
		})
	}
}

func TestReplyAndFail_KeepCorrelation(t *testing.T) {
	req := &Message{ID: "abc", Target: "tracker", Field: "position", Mode: ModeGet}

	ok, err := req.Reply(42)
	require.NoError(t, err)
	assert.Equal(t, ModeRsp, ok.Mode)
	assert.Equal(t, "abc", ok.ID)
	assert.Equal(t, req.Key(), ok.Key())
	assert.Equal(t, "42", string(ok.Data))

	bad := req.Fail(errors.New("no such tracker"))
	assert.True(t, bad.Failed())
	assert.Equal(t, "no such tracker", bad.Error())
	assert.Equal(t, "abc", bad.ID)
}

func TestRemoteError_IsRemoteFailure(t *testing.T) {
	err := error(&RemoteError{Target: "a", Field: "b", Msg: "boom"})
	assert.True(t, errors.Is(err, ErrRemoteFailure))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "boom")
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", OutcomeLabel(nil))
	assert.Equal(t, "timeout", OutcomeLabel(ErrTimeout))
	assert.Equal(t, "cancelled", OutcomeLabel(ErrCancelled))
	assert.Equal(t, "remote_failure", OutcomeLabel(&RemoteError{Msg: "x"}))
}
