package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	h := ParseHeaders("Authorization=Bearer abc, x-team = mail ,broken")
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "x-team": "mail"}, h)
	assert.Empty(t, ParseHeaders(""))
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	tel, err := Setup(context.Background(), Config{ServiceName: "maildigest"})
	require.NoError(t, err)
	assert.Nil(t, tel)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
