package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProgressConfig() ProgressConfig {
	return ProgressConfig{Interval: 10 * time.Millisecond, Smoothing: 0.9}
}

func TestProgressSetIsMonotonic(t *testing.T) {
	p := NewProgress(100, fastProgressConfig())
	p.Set(40)
	p.Set(20)
	assert.Equal(t, int64(40), p.Received())
	p.Add(10)
	assert.Equal(t, int64(50), p.Received())
}

func TestProgressReportsRateAndETA(t *testing.T) {
	p := NewProgress(1<<30, fastProgressConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	first := <-p.Reports()
	assert.Equal(t, UnknownETA, first.ETA, "no rate yet")
	assert.Zero(t, first.Rate)

	p.Set(1 << 20)
	var r Report
	require.Eventually(t, func() bool {
		select {
		case r = <-p.Reports():
		default:
		}
		return r.Rate > 0
	}, time.Second, time.Millisecond)

	assert.Greater(t, r.ETA, time.Duration(0))
	assert.False(t, r.Done)
	assert.InDelta(t, 0.0977, r.Percent(), 0.001)
}

func TestProgressStopsAtCompletion(t *testing.T) {
	p := NewProgress(100, fastProgressConfig())
	p.Start(context.Background())

	p.Set(100)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed at completion")
	}

	require.Eventually(t, func() bool {
		select {
		case r := <-p.Reports():
			return r.Done
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	select {
	case <-p.exited:
	case <-time.After(time.Second):
		t.Fatal("tick goroutine still running after completion")
	}
	p.Stop()
	p.Stop()
}

func TestProgressZeroTotal(t *testing.T) {
	p := NewProgress(0, fastProgressConfig())
	select {
	case <-p.Done():
	default:
		t.Fatal("an empty transfer is complete immediately")
	}
	r := p.sample(time.Now())
	assert.True(t, r.Done)
	assert.Equal(t, time.Duration(0), r.ETA)
	assert.Equal(t, float64(100), r.Percent())
}

func TestProgressStopWithoutStart(t *testing.T) {
	p := NewProgress(10, fastProgressConfig())
	p.Stop()
	p.Start(context.Background())
	select {
	case <-p.exited:
		t.Fatal("Start after Stop must not launch a goroutine")
	default:
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	var td Teardown
	var order []string
	td.Add("pool", func() error { order = append(order, "pool"); return nil })
	td.Add("cache", func() error { order = append(order, "cache"); return errors.New("disk gone") })
	td.Add("progress", func() error { order = append(order, "progress"); return nil })

	err := td.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: disk gone")
	assert.Equal(t, []string{"pool", "cache", "progress"}, order)
	assert.Equal(t, []string{"pool", "progress"}, td.Ran(), "failed steps are not listed")

	assert.Equal(t, err, td.Run(), "second run returns the first result")
	assert.Len(t, order, 3)

	td.Add("late", func() error { order = append(order, "late"); return nil })
	assert.Equal(t, "late", order[3], "steps added after Run execute immediately")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryUnknown, Classify(nil))
	assert.Equal(t, CategoryCancelled, Classify(context.Canceled))
	assert.Equal(t, CategoryData, Classify(ErrCorruptFragment))
	assert.Equal(t, CategoryResource, Classify(NewError(CategoryResource, "disk full")))
	assert.Equal(t, CategoryRendezvous, Classify(reasonErr("not-found")))
	assert.Equal(t, CategoryUnknown, Classify(errors.New("plain")))
	assert.Equal(t, "negotiation", CategoryNegotiation.String())
}

type reasonErr string

func (r reasonErr) Error() string  { return string(r) }
func (r reasonErr) Reason() string { return string(r) }
