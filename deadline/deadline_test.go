package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRemaining(t *testing.T) {
	mockClock := clock.NewMock()
	d := New(mockClock.Now(), 100*time.Millisecond, mockClock)

	assert.Equal(t, 100*time.Millisecond, d.Remaining())
	assert.False(t, d.Expired())

	mockClock.Add(40 * time.Millisecond)
	assert.Equal(t, 60*time.Millisecond, d.Remaining())
	assert.Equal(t, 40*time.Millisecond, d.Elapsed())
	assert.False(t, d.Expired())

	mockClock.Add(60 * time.Millisecond)
	assert.Equal(t, time.Duration(0), d.Remaining())
	assert.True(t, d.Expired())

	mockClock.Add(25 * time.Millisecond)
	assert.Equal(t, -25*time.Millisecond, d.Remaining(), "remaining time may go negative")
	assert.True(t, d.Expired())
}

func TestStartBeforeNow(t *testing.T) {
	mockClock := clock.NewMock()
	start := mockClock.Now()
	mockClock.Add(30 * time.Millisecond)

	d := New(start, 50*time.Millisecond, mockClock)

	assert.Equal(t, 20*time.Millisecond, d.Remaining(), "time spent before construction counts against the budget")
	assert.Equal(t, start.Add(50*time.Millisecond), d.At())
	assert.Equal(t, start, d.Start())
	assert.Equal(t, 50*time.Millisecond, d.Budget())
}

func TestCopiesShareTheSameBudget(t *testing.T) {
	mockClock := clock.NewMock()
	d := New(mockClock.Now(), time.Second, mockClock)
	derived := d

	mockClock.Add(300 * time.Millisecond)

	assert.Equal(t, d.Remaining(), derived.Remaining())
	assert.Equal(t, 700*time.Millisecond, derived.Remaining())
}

func TestWithContext(t *testing.T) {
	mockClock := clock.NewMock()
	d := New(mockClock.Now(), 50*time.Millisecond, mockClock)

	ctx, cancel := d.WithContext(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.Equal(t, d.At(), deadline)
	assert.NoError(t, ctx.Err())

	mockClock.Add(50 * time.Millisecond)
	<-ctx.Done()
	assert.Equal(t, context.DeadlineExceeded, ctx.Err())
}

func TestCallContextUsesTheRemainingBudget(t *testing.T) {
	mockClock := clock.NewMock()
	d := New(mockClock.Now(), 100*time.Millisecond, mockClock)
	mockClock.Add(80 * time.Millisecond)

	ctx, cancel := d.CallContext(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.Equal(t, mockClock.Now().Add(20*time.Millisecond), deadline)
}

func TestExpiredCallContext(t *testing.T) {
	mockClock := clock.NewMock()
	d := New(mockClock.Now(), 10*time.Millisecond, mockClock)
	mockClock.Add(20 * time.Millisecond)

	ctx, cancel := d.CallContext(context.Background())
	defer cancel()

	<-ctx.Done()
	assert.Equal(t, context.DeadlineExceeded, ctx.Err())
}

func TestNilClockUsesWallTime(t *testing.T) {
	d := New(time.Now(), time.Hour, nil)

	assert.False(t, d.Expired())
	assert.True(t, d.Remaining() > 59*time.Minute)
}
