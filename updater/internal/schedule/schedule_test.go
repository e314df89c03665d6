package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNext(t *testing.T) {
	tests := []struct {
		expr string
		from string
		want string
	}{
		{expr: DefaultExpression, from: "2024-03-10 00:30:00", want: "2024-03-10 01:00:00"},
		{expr: DefaultExpression, from: "2024-03-10 01:00:00", want: "2024-03-11 01:00:00"},
		{expr: DefaultExpression, from: "2024-12-31 23:59:59", want: "2025-01-01 01:00:00"},
		{expr: "*/15 * * * * ?", from: "2024-03-10 10:00:07", want: "2024-03-10 10:00:15"},
		{expr: "0 */5 * * * ?", from: "2024-03-10 10:58:00", want: "2024-03-10 11:00:00"},
		{expr: "0 30 9 ? * MON-FRI", from: "2024-03-09 12:00:00", want: "2024-03-11 09:30:00"},
		{expr: "0 0 12 31 * ?", from: "2024-04-01 00:00:00", want: "2024-05-31 12:00:00"},
		{expr: "0 0 0 29 FEB ?", from: "2024-03-01 00:00:00", want: "2028-02-29 00:00:00"},
		{expr: "0 0 8,20 * * ?", from: "2024-03-10 09:00:00", want: "2024-03-10 20:00:00"},
		{expr: "0 0 0 1 * 7", from: "2024-09-02 00:00:00", want: "2024-09-08 00:00:00"},
		{expr: "@hourly", from: "2024-03-10 10:00:00", want: "2024-03-10 11:00:00"},
		{expr: "@weekly", from: "2024-03-10 10:00:00", want: "2024-03-17 00:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.expr+" from "+tt.from, func(t *testing.T) {
			s, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, date(tt.want), s.Next(date(tt.from)))
		})
	}
}

func TestNext_SubSecond(t *testing.T) {
	s, err := Parse("* * * * * ?")
	require.NoError(t, err)

	from := date("2024-03-10 10:00:00").Add(300 * time.Millisecond)
	assert.Equal(t, date("2024-03-10 10:00:01"), s.Next(from))
}

func TestNext_Never(t *testing.T) {
	s, err := Parse("0 0 0 30 FEB ?")
	require.NoError(t, err)
	assert.True(t, s.Next(date("2024-01-01 00:00:00")).IsZero())
}

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"0 0 1 * *",
		"0 0 1 * * ? 2024",
		"60 0 1 * * ?",
		"0 0 24 * * ?",
		"0 0 1 0 * ?",
		"0 0 1 * 13 ?",
		"0 0 1 * * 8",
		"0 0 5-1 * * ?",
		"*/0 * * * * ?",
		"0 0 1 * FOO ?",
		"@fortnightly",
	} {
		_, err := Parse(expr)
		assert.Error(t, err, expr)
	}
}

func TestRunner_RunsJobWhenDue(t *testing.T) {
	s, err := Parse("* * * * * ?")
	require.NoError(t, err)

	var runs atomic.Int32
	r := NewRunner(s, func(context.Context) error {
		runs.Add(1)
		return errors.New("cycle failed")
	}, log.NewEntry(log.StandardLogger()))
	r.tick = 10 * time.Millisecond

	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond,
		"a failing job does not stop the scheduler")
}

func TestRunner_StopWaitsForInFlightJob(t *testing.T) {
	s, err := Parse("* * * * * ?")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var jobCtxErr atomic.Value

	r := NewRunner(s, func(ctx context.Context) error {
		close(started)
		<-release
		jobCtxErr.Store(ctx.Err() == nil)
		return nil
	}, log.NewEntry(log.StandardLogger()))
	r.tick = 10 * time.Millisecond

	r.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, true, jobCtxErr.Load(), "the job context is not cancelled by Stop")
}

func TestRunner_StopWithoutStart(t *testing.T) {
	s, err := Parse(DefaultExpression)
	require.NoError(t, err)
	r := NewRunner(s, func(context.Context) error { return nil }, log.NewEntry(log.StandardLogger()))
	assert.NotPanics(t, r.Stop)
}
