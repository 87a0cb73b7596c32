package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	l, err := New("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	v, err := New("error", true)
	require.NoError(t, err)
	assert.True(t, v.Core().Enabled(zapcore.DebugLevel), "verbose always logs debug")

	_, err = New("loud", false)
	require.Error(t, err)
}

func TestSecretMasksValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{name: "bare jwt", value: "eyJhbGciOi.payload.sig", want: "eyJh***"},
		{name: "bare opaque token", value: "s3cr3t-access-token", want: "s3cr***"},
		{name: "bearer header", value: "bearer abc.def", want: "bear***"},
		{name: "short value", value: "abc", want: "***"},
		{name: "empty", value: "", want: "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Secret("token", tt.value)
			assert.Equal(t, tt.want, f.String)
			assert.NotContains(t, f.String, "payload")
		})
	}
}

func TestMaskTokenNeverReturnsTheToken(t *testing.T) {
	for _, token := range []string{"s3cr3t-access-token", "  padded-secret-value  ", "tok"} {
		assert.NotContains(t, MaskToken(token), "secret")
		assert.NotEqual(t, token, MaskToken(token))
	}
}

func TestPresentError(t *testing.T) {
	assert.Equal(t, "", PresentError("connect", nil))
	assert.Equal(t, "connect: token=***", PresentError("connect", errString("token=abc")))
	assert.Equal(t, "token=***", PresentError("", errString("token=abc")))
}

type errString string

func (e errString) Error() string { return string(e) }
