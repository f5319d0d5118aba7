package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type recorder struct {
	events []string
}

func (r *recorder) dep(name string, requires ...string) *Func {
	return &Func{
		ID:       name,
		Requires: requires,
		OnStart: func(context.Context) error {
			r.events = append(r.events, "start "+name)
			return nil
		},
		OnStop: func(context.Context) error {
			r.events = append(r.events, "stop "+name)
			return nil
		},
	}
}

func TestStartup_Order(t *testing.T) {
	rec := &recorder{}
	s := New(testLogger, 1)
	s.Add(rec.dep("http", "store", "kafka"))
	s.Add(rec.dep("kafka"))
	s.Add(rec.dep("store"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start kafka", "start store", "start http"}, rec.events)
	assert.Equal(t, StatusStarted, s.Status("http"))

	rec.events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, "stop http", rec.events[0])
	assert.ElementsMatch(t, []string{"stop http", "stop kafka", "stop store"}, rec.events)
	assert.Equal(t, StatusStopped, s.Status("store"))
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	rec := &recorder{}
	calls := 0
	flaky := &Func{
		ID: "redis",
		OnStart: func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	s := New(testLogger, 5, WithBackoffUnit(time.Millisecond))
	s.Add(rec.dep("store"))
	s.Add(flaky)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"start store"}, rec.events, "started dependencies are not restarted")
}

func TestStartup_GivesUp(t *testing.T) {
	s := New(testLogger, 2, WithBackoffUnit(time.Millisecond))
	s.Add(&Func{ID: "db", OnStart: func(context.Context) error { return errors.New("no route to host") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, StatusFailed, s.Status("db"))
}

func TestStartup_RejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		deps []*Func
		want string
	}{
		{"unknown", []*Func{{ID: "http", Requires: []string{"db"}}}, "unknown startup dependency 'db'"},
		{"cycle", []*Func{{ID: "a", Requires: []string{"b"}}, {ID: "b", Requires: []string{"a"}}}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testLogger, 1)
			for _, d := range tt.deps {
				s.Add(d)
			}
			err := s.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStartup_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testLogger, 3, WithBackoffUnit(time.Hour))
	s.Add(&Func{ID: "db", OnStart: func(context.Context) error {
		cancel()
		return errors.New("down")
	}})

	assert.ErrorIs(t, s.Start(ctx), context.Canceled)
}
