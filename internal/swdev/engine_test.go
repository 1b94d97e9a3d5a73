package swdev

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireRoot skips the test if not running as root: opening an
// IPPROTO_UDP raw socket with IP_HDRINCL needs CAP_NET_RAW.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires CAP_NET_RAW (run as root)")
	}
}

func TestIdCounterIncrementsAndWraps(t *testing.T) {
	var c idCounter
	c.v = 0xfffe
	first := c.next()
	second := c.next()
	third := c.next()
	assert.Equal(t, uint16(0xffff), first)
	assert.Equal(t, uint16(0), second)
	assert.Equal(t, uint16(1), third)
}

func TestIdCounterConcurrentNextNeverRepeats(t *testing.T) {
	var c idCounter
	const n = 1000
	seen := make(chan uint16, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			seen <- c.next()
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	close(seen)
	vals := make(map[uint16]int)
	for v := range seen {
		vals[v]++
	}
	assert.Len(t, vals, n, "every concurrent call must observe a distinct counter value")
}

func TestNewOpensEngineAndCtrlLoopAutoAcks(t *testing.T) {
	requireRoot(t)

	eng, err := New(Config{
		SrcIP:     [4]byte{127, 0, 0, 1},
		CtrlDepth: 4,
		WorkDepth: 4,
		RecvPoll:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer eng.Close()

	desc := make([]byte, 16)
	require.NoError(t, eng.PushToCardCtrl(desc))

	resp, err := eng.PopToHostCtrl()
	require.NoError(t, err)
	assert.Len(t, resp, len(desc))
}

func TestNewAppliesConfigDefaults(t *testing.T) {
	requireRoot(t)

	eng, err := New(Config{SrcIP: [4]byte{127, 0, 0, 1}})
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, 50*time.Millisecond, eng.recvPoll)
}
