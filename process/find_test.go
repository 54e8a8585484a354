//go:build linux

package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimTrailingSpace(t *testing.T) {
	assert.Equal(t, []byte("StarCraft"), trimTrailingSpace([]byte("StarCraft\n")))
	assert.Equal(t, []byte("StarCraft"), trimTrailingSpace([]byte("StarCraft \r\n")))
	assert.Equal(t, []byte("StarCraft"), trimTrailingSpace([]byte("StarCraft")))
	assert.Empty(t, trimTrailingSpace([]byte("\n\t ")))
	assert.Empty(t, trimTrailingSpace(nil))
}

func TestListByName_EmptyName(t *testing.T) {
	_, err := ListByName("")
	assert.Error(t, err)
}

func TestFindByName_NotFound(t *testing.T) {
	_, err := FindByName("no-such-process-name-here")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestExists(t *testing.T) {
	// PID 1 always exists on Linux.
	assert.True(t, Exists(1))

	// Way past any default pid_max.
	assert.False(t, Exists(1<<30))
}

func TestWaitForName_Cancel(t *testing.T) {
	done := make(chan struct{})
	close(done)

	start := time.Now()
	_, err := WaitForName("no-such-process-name-here", done, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrProcessNotFound)
	assert.Less(t, time.Since(start), time.Second, "returns promptly once done is closed")
}
