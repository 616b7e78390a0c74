package pump

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pump/logger"
)

func newTaskTestLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()

	return mockLogger
}

func TestTaskManager_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	taskFunc := func() bool {
		return true
	}

	require.NoError(t, taskMgr.Start("testTask", taskFunc))

	// Allow some time for the goroutine to start
	time.Sleep(100 * time.Millisecond)

	// Verify that the task is running
	assert.Equal(t, 1, taskMgr.TaskCount())

	// Cancel the context to stop the task
	cancel()

	// Allow some time for the goroutine to stop
	time.Sleep(100 * time.Millisecond)

	// Verify that the task has stopped
	assert.Equal(t, 0, taskMgr.TaskCount())
}

func TestTaskManager_StartInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	var runCount atomic.Int32
	taskFunc := func() bool {
		runCount.Add(1)
		return true
	}

	ticker, err := taskMgr.StartInterval("testInterval", taskFunc, 10*time.Millisecond, true)
	require.NoError(t, err)

	// Allow some time for the interval task to run
	time.Sleep(100 * time.Millisecond)

	// Verify that the task is running and has ticked
	assert.Equal(t, 1, taskMgr.TaskCount())
	assert.Greater(t, runCount.Load(), int32(1))

	// Cancel the context to stop the task
	cancel()
	ticker.Stop()

	// Allow some time for the goroutine to stop
	time.Sleep(100 * time.Millisecond)

	// Verify that the task has stopped
	assert.Equal(t, 0, taskMgr.TaskCount())
}

func TestTaskManager_IntervalSelfTermination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	var runCount atomic.Int32
	taskFunc := func() bool {
		// stop after the second run
		return runCount.Add(1) < 2
	}

	_, err := taskMgr.StartInterval("selfTerm", taskFunc, 10*time.Millisecond, false)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, taskMgr.TaskCount())
	assert.Equal(t, int32(2), runCount.Load())

	// the ticker slot is released, the same name can be reused
	_, err = taskMgr.StartInterval("selfTerm", func() bool { return false }, 10*time.Millisecond, false)
	require.NoError(t, err)
}

func TestTaskManager_StartIntervalDuplicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	taskFunc := func() bool { return true }

	_, err := taskMgr.StartInterval("dup", taskFunc, 10*time.Millisecond, false)
	require.NoError(t, err)

	_, err = taskMgr.StartInterval("dup", taskFunc, 10*time.Millisecond, false)
	require.Error(t, err)

	taskMgr.Stop()
	taskMgr.Wait()
}

func TestTaskManager_StopInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	taskFunc := func() bool { return true }

	_, err := taskMgr.StartInterval("stoppable", taskFunc, 10*time.Millisecond, false)
	require.NoError(t, err)

	require.NoError(t, taskMgr.StopInterval("stoppable"))
	require.Error(t, taskMgr.StopInterval("stoppable"))

	taskMgr.Stop()
	taskMgr.Wait()
}

func TestTaskManager_StopIntervalReleasesGoroutine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	taskFunc := func() bool { return true }

	// with an hour-long interval the goroutine never sees a tick, so the
	// stop path alone must unblock it
	for i := 0; i < 3; i++ {
		_, err := taskMgr.StartInterval("parked", taskFunc, time.Hour, false)
		require.NoError(t, err)
		assert.Equal(t, 1, taskMgr.TaskCount())

		require.NoError(t, taskMgr.StopInterval("parked"))

		require.Eventually(t, func() bool {
			return taskMgr.TaskCount() == 0
		}, time.Second, 10*time.Millisecond)
	}
}

func TestTaskManager_PanicRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockLogger := newTaskTestLogger()
	taskMgr := NewTaskManager(ctx, mockLogger)

	taskFunc := func() bool {
		panic("boom")
	}

	_, err := taskMgr.StartInterval("panicky", taskFunc, 10*time.Millisecond, false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	taskMgr.Stop()
	taskMgr.Wait()

	mockLogger.AssertCalled(t, "Error", "panic in task", mock.Anything)
}

func TestTaskManager_Reuse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, newTaskTestLogger())

	require.NoError(t, taskMgr.Start("first", func() bool { return true }))

	taskMgr.Stop()
	taskMgr.Wait()
	assert.Equal(t, 0, taskMgr.TaskCount())

	// after Wait the manager accepts new tasks again
	require.NoError(t, taskMgr.Start("second", func() bool { return true }))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, taskMgr.TaskCount())

	taskMgr.Stop()
	taskMgr.Wait()
}
