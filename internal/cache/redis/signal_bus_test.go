package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXReadArgsNeverBlocks(t *testing.T) {
	args := xReadArgs("mirror:streamlog", "0", 1000)

	require.Equal(t, []string{"mirror:streamlog", "0"}, args.Streams)
	require.Equal(t, int64(1000), args.Count)

	// go-redis sends BLOCK whenever Block >= 0, and BLOCK 0 waits forever
	// on a caught-up stream. A drain loop needs the call to return
	// redis.Nil instead.
	require.Negative(t, args.Block)
}

func TestHasPattern(t *testing.T) {
	require.False(t, hasPattern("mirror:control"))
	require.True(t, hasPattern("mirror:*"))
	require.True(t, hasPattern("mirror:ch?"))
	require.True(t, hasPattern("mirror:[ab]"))
}
