package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, dev := range []bool{true, false} {
		log, err := New(dev)
		require.NoError(t, err)
		assert.NotNil(t, log)

		// 不应 panic
		log.Infof("[Test] dev=%v", dev)
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	assert.NotNil(t, log)
	log.Errorf("[Test] %s", "ignored")
}
