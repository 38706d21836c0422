package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetStartAndDoneUpdateCompletedCount(t *testing.T) {
	r := NewReporter(2)
	sub := r.Subscribe(8)
	defer sub.Close()

	r.TargetStart("running", "/#mobile")
	r.TargetDone("running", "/#mobile", 10*time.Millisecond)

	start := <-sub.C()
	done := <-sub.C()

	assert.Equal(t, EventTargetStart, start.Event)
	assert.Equal(t, 0, start.Completed)
	assert.Equal(t, EventTargetDone, done.Event)
	assert.Equal(t, 1, done.Completed)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	r := NewReporter(100)
	sub := r.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Notice("running", "worker_cap_reduced")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestNoticeSurfacesKind(t *testing.T) {
	r := NewReporter(2)
	sub := r.Subscribe(1)
	defer sub.Close()

	r.Notice("running", "worker_cap_reduced")

	rec := <-sub.C()
	assert.Equal(t, EventNotice, rec.Event)
	assert.Equal(t, "worker_cap_reduced", rec.Kind)
}

func TestWriteNDJSONEncodesEachRecord(t *testing.T) {
	r := NewReporter(1)
	sub := r.Subscribe(4)

	var buf bytes.Buffer
	errCh := make(chan error, 1)
	go func() { errCh <- WriteNDJSON(&buf, sub) }()

	r.TargetStart("running", "/#mobile")
	r.TargetDone("running", "/#mobile", 5*time.Millisecond)
	sub.Close()

	require.NoError(t, <-errCh)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestEWMARemainingMsZeroWhenNothingObserved(t *testing.T) {
	e := newEWMA(0.3)
	assert.Equal(t, int64(0), e.remainingMs(5))
}

func TestEWMARemainingMsProjectsFromObservedDuration(t *testing.T) {
	e := newEWMA(0.3)
	e.observe(100 * time.Millisecond)
	assert.Equal(t, int64(300), e.remainingMs(3))
}
