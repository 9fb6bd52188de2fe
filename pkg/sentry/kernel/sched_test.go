package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEWMADecayConstants(t *testing.T) {
	e1 := newLoadEWMA(1)
	e5 := newLoadEWMA(5)
	e15 := newLoadEWMA(15)

	// 65536 / e^(1/(60*N)): larger N decays slower, so its constant is
	// closer to 65536.
	assert.Less(t, e1.decay, e5.decay)
	assert.Less(t, e5.decay, e15.decay)
	assert.Less(t, e15.decay, 65536.0)
}

func TestCPUTickUpdatesLoadFromIdleAccumulation(t *testing.T) {
	s := newScheduler(nil, 1)
	c := s.cpus[0]

	c.idleAccumNs = int64(time.Second) // fully idle second: sample saturates at 65536
	c.tick(s)

	assert.Zero(t, c.load1)
}

func TestThreadSleepTimesOut(t *testing.T) {
	th := &Thread{state: ThreadRunning}
	start := time.Now()
	reason := threadSleep(th, 20*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, ThreadRunning, th.State())
	_ = reason
}
