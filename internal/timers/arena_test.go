package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmFires(t *testing.T) {
	a := NewArena[string]()
	var fired atomic.Int32

	a.Arm("k", 10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, a.Armed("k"))
}

func TestRenewCoalesces(t *testing.T) {
	a := NewArena[string]()
	var fired atomic.Int32

	for i := 0; i < 5; i++ {
		a.Arm("k", 30*time.Millisecond, func() { fired.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, a.Len())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestCancel(t *testing.T) {
	a := NewArena[int]()
	var fired atomic.Int32

	a.Arm(1, 20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, a.Cancel(1))
	assert.False(t, a.Cancel(1))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestStopDropsEverything(t *testing.T) {
	a := NewArena[string]()
	var fired atomic.Int32

	a.Arm("a", 20*time.Millisecond, func() { fired.Add(1) })
	a.Arm("b", 20*time.Millisecond, func() { fired.Add(1) })
	a.Stop()
	a.Arm("c", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, a.Len())
}
