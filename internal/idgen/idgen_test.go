package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	id := RequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+24)
	assert.NotEqual(t, id, RequestID())
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(4), 8)
	assert.Empty(t, Hex(0))
}
