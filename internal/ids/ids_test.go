package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	now := time.Now()
	prev := At(now)
	for i := 0; i < 100; i++ {
		next := At(now)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(New()), "fresh id rejected")
	for _, bad := range []string{"", "abc", "../../etc/passwd", "01HZZZZZZZZZZZZZZZZZZZZZZZZ"} {
		assert.False(t, Valid(bad), bad)
	}
}
