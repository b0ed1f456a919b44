package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCRMToken_ConfigWins(t *testing.T) {
	t.Setenv(EnvCRMToken, "from-env")

	token, err := ResolveCRMToken("from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", token)
}

func TestResolveCRMToken_Env(t *testing.T) {
	t.Setenv(EnvCRMToken, "from-env")

	token, err := ResolveCRMToken("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "[REDACTED]", Redact(""))
	assert.Equal(t, "[REDACTED]", Redact("abcd"))
	assert.Equal(t, "...6789", Redact("0123456789"))
}
