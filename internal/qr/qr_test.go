package qr_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ordering/internal/qr"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G'}

func TestGenerate(t *testing.T) {
	gen := qr.NewGenerator()

	png, err := gen.Generate("ticket-123")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngHeader), "output is a PNG image")
}

func TestGenerateIsDeterministic(t *testing.T) {
	gen := qr.NewGenerator()

	a, err := gen.Generate("ticket-123")
	require.NoError(t, err)
	b, err := gen.Generate("ticket-123")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same ticket ID encodes to the same image")

	c, err := gen.Generate("ticket-456")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
