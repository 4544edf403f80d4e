package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"gradwatch/models"
)

// fakeAdapter counts lifecycle calls; failures are injected by driving
// the supervisor's callbacks directly.
type fakeAdapter struct {
	mu       sync.Mutex
	starts   int
	closes   int
	startErr error
}

func (f *fakeAdapter) Start(ctx context.Context) (StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return StartResult{}, f.startErr
	}
	return StartResult{RuntimeID: fmt.Sprintf("fake-%d", f.starts)}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAdapter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newTestSupervisor(cfg SupervisorConfig) (*Supervisor, *fakeAdapter, *models.RunState, *[]time.Duration) {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 8 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = time.Minute
	}

	state := models.NewRunState("train.py", ".")
	supervisor := NewSupervisor(cfg, state, nil, zap.NewNop().Sugar())

	adapter := &fakeAdapter{}
	supervisor.newAdapter = func(kind models.RuntimeKind) Adapter { return adapter }

	sleeps := &[]time.Duration{}
	supervisor.sleep = func(ctx context.Context, d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return supervisor, adapter, state, sleeps
}

func lastMetric(state *models.RunState, metric string) (float64, bool) {
	tail := state.MetricTail(metric, 1)
	if len(tail) == 0 {
		return 0, false
	}
	return tail[0], true
}

func TestSupervisorStart(t *testing.T) {
	Convey("Given a supervisor with a fake adapter", t, func() {
		supervisor, adapter, state, _ := newTestSupervisor(SupervisorConfig{MaxRetries: 3})
		ctx := context.Background()

		Convey("When started fresh", func() {
			So(supervisor.Start(ctx, true), ShouldBeNil)

			Convey("The run is observed running with a new generation", func() {
				So(state.RuntimeStatus(), ShouldEqual, models.StatusRunning)
				So(state.RolloutGeneration(), ShouldEqual, 1)
				So(state.RuntimeID(), ShouldEqual, "fake-1")
			})

			Convey("A second start closes the prior adapter and bumps the generation", func() {
				So(supervisor.Start(ctx, true), ShouldBeNil)
				So(adapter.closes, ShouldEqual, 1)
				So(state.RolloutGeneration(), ShouldEqual, 2)
			})
		})

		Convey("When the adapter fails to start", func() {
			adapter.startErr = fmt.Errorf("spawn failed")
			err := supervisor.Start(ctx, true)

			Convey("The error surfaces and the run is marked errored", func() {
				So(err, ShouldNotBeNil)
				So(state.RuntimeStatus(), ShouldEqual, models.StatusError)
				// The generation was still consumed.
				So(state.RolloutGeneration(), ShouldEqual, 1)
			})
		})

		Convey("When stopped after a clean start", func() {
			So(supervisor.Start(ctx, true), ShouldBeNil)
			So(supervisor.Stop(ctx), ShouldBeNil)

			Convey("The run is observed stopped", func() {
				So(state.RuntimeStatus(), ShouldEqual, models.StatusStopped)
				So(adapter.closes, ShouldEqual, 1)
			})
		})
	})
}

func TestSupervisorFailureHandling(t *testing.T) {
	Convey("Given a started supervisor", t, func() {
		ctx := context.Background()

		Convey("With auto mode off", func() {
			supervisor, adapter, state, _ := newTestSupervisor(SupervisorConfig{MaxRetries: 3})
			So(supervisor.Start(ctx, true), ShouldBeNil)

			supervisor.OnFailure(ctx, Failure{Status: "failed", ErrorType: "LOCAL_EXIT_NONZERO", Message: "exit 1"})

			Convey("The failure is recorded and no restart happens", func() {
				So(state.RuntimeStatus(), ShouldEqual, models.StatusFailed)
				_, errorType, class := state.FailureInfo()
				So(errorType, ShouldEqual, "LOCAL_EXIT_NONZERO")
				So(class, ShouldEqual, ClassUnknown)
				So(adapter.startCount(), ShouldEqual, 1)
			})

			Convey("A runtime/health alert and failure metric are raised", func() {
				alert := state.LatestAlert()
				So(alert, ShouldNotBeNil)
				So(alert.Metric, ShouldEqual, "runtime/health")
				So(alert.Current, ShouldEqual, 1.0)
				So(alert.Threshold, ShouldEqual, 0.0)
				value, ok := lastMetric(state, "runtime/failures")
				So(ok, ShouldBeTrue)
				So(value, ShouldEqual, 1.0)
			})
		})

		Convey("With auto mode on", func() {
			supervisor, adapter, state, sleeps := newTestSupervisor(SupervisorConfig{MaxRetries: 3})
			supervisor.SetAutoModeQuery(func() bool { return true })
			So(supervisor.Start(ctx, true), ShouldBeNil)

			Convey("A failure triggers a back-off restart", func() {
				supervisor.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})
				So(adapter.startCount(), ShouldEqual, 2)
				So(*sleeps, ShouldResemble, []time.Duration{time.Second})
				So(state.RuntimeStatus(), ShouldEqual, models.StatusRunning)
				So(state.RuntimeRestarts(), ShouldEqual, 1)
			})

			Convey("Back-off doubles per attempt and caps at the ceiling", func() {
				capped, cappedAdapter, _, cappedSleeps := newTestSupervisor(SupervisorConfig{MaxRetries: 5})
				capped.SetAutoModeQuery(func() bool { return true })
				So(capped.Start(ctx, true), ShouldBeNil)
				for i := 0; i < 5; i++ {
					capped.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})
				}
				So(cappedAdapter.startCount(), ShouldEqual, 6)
				So(*cappedSleeps, ShouldResemble, []time.Duration{
					time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
				})
			})

			Convey("The retry budget caps recovery", func() {
				for i := 0; i < 5; i++ {
					supervisor.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})
				}
				// 3 retries allowed; later failures stop restarting.
				So(adapter.startCount(), ShouldEqual, 4)
				So(state.RuntimeStatus(), ShouldEqual, models.StatusFailed)
			})

			Convey("A fresh start resets the retry budget", func() {
				for i := 0; i < 3; i++ {
					supervisor.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})
				}
				So(supervisor.Start(ctx, true), ShouldBeNil)
				// Three more recoveries are available again.
				for i := 0; i < 3; i++ {
					supervisor.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})
				}
				So(state.RuntimeStatus(), ShouldEqual, models.StatusRunning)
				So(state.RuntimeRestarts(), ShouldEqual, 6)
			})
		})

		Convey("With an agent that proposes an auto-applied refactor", func() {
			supervisor, adapter, _, sleeps := newTestSupervisor(SupervisorConfig{MaxRetries: 3})
			supervisor.SetAutoModeQuery(func() bool { return true })
			supervisor.SetAlertResponder(func(ctx context.Context, alert models.Alert) bool { return true })
			So(supervisor.Start(ctx, true), ShouldBeNil)

			supervisor.OnFailure(ctx, Failure{Status: "failed", Message: "exit 1"})

			Convey("Recovery stands down for the patch executor", func() {
				So(adapter.startCount(), ShouldEqual, 1)
				So(*sleeps, ShouldBeEmpty)
			})
		})
	})
}

func TestSupervisorOOMPolicyOnRecovery(t *testing.T) {
	Convey("Given an OOM-classified failure with auto mode on", t, func() {
		ctx := context.Background()
		policy := DefaultOOMPolicy()
		policy.BatchKeys = []string{"BATCH"}
		policy.AccumKeys = nil
		policy.SeqKeys = nil

		supervisor, adapter, state, _ := newTestSupervisor(SupervisorConfig{MaxRetries: 3, OOM: policy})
		supervisor.SetAutoModeQuery(func() bool { return true })
		t.Setenv("BATCH", "32")
		So(supervisor.Start(ctx, true), ShouldBeNil)

		code := 137
		supervisor.OnFailure(ctx, Failure{
			Status:    "failed",
			ErrorType: "LOCAL_OOM",
			Message:   "CUDA out of memory",
			ExitCode:  &code,
		})

		Convey("The batch knob is halved into the override set", func() {
			So(supervisor.EnvOverrides()["BATCH"], ShouldEqual, "16")
		})

		Convey("The policy metric records the application", func() {
			value, ok := lastMetric(state, "runtime/oom_policy_applied")
			So(ok, ShouldBeTrue)
			So(value, ShouldEqual, 1.0)
		})

		Convey("A new generation starts after back-off", func() {
			So(adapter.startCount(), ShouldEqual, 2)
			So(state.RolloutGeneration(), ShouldEqual, 2)
			So(state.RuntimeStatus(), ShouldEqual, models.StatusRunning)
		})
	})
}

func TestSupervisorWatchdog(t *testing.T) {
	Convey("Given a running supervisor with a fast watchdog", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Convey("A stale heartbeat synthesises a timeout failure", func() {
			supervisor, _, state, _ := newTestSupervisor(SupervisorConfig{
				MaxRetries:       0,
				HeartbeatTimeout: 30 * time.Millisecond,
				HeartbeatCheck:   5 * time.Millisecond,
			})
			So(supervisor.Start(ctx, true), ShouldBeNil)

			go supervisor.Watchdog(ctx)
			time.Sleep(150 * time.Millisecond)
			cancel()

			So(state.RuntimeStatus(), ShouldEqual, models.StatusFailed)
			_, errorType, class := state.FailureInfo()
			So(errorType, ShouldEqual, "RUNTIME_HEARTBEAT_TIMEOUT")
			So(class, ShouldEqual, ClassTimeout)
		})

		Convey("An expired lease synthesises the other timeout signal", func() {
			supervisor, _, state, _ := newTestSupervisor(SupervisorConfig{
				MaxRetries:       0,
				HeartbeatTimeout: 10 * time.Minute,
				HeartbeatCheck:   5 * time.Millisecond,
			})
			So(supervisor.Start(ctx, true), ShouldBeNil)
			// Arm a lease that expires immediately; heartbeats stay
			// fresh so only the lease can fire.
			state.SetRuntimeStatus(models.StatusRunning, time.Now())
			state.TouchHeartbeat(time.Now(), time.Millisecond)

			go supervisor.Watchdog(ctx)
			time.Sleep(100 * time.Millisecond)
			cancel()

			_, errorType, _ := state.FailureInfo()
			So(errorType, ShouldEqual, "ROLLOUT_LEASE_EXPIRED")
		})

		Convey("The watchdog is quiet while the run is not running", func() {
			supervisor, _, state, _ := newTestSupervisor(SupervisorConfig{
				MaxRetries:       0,
				HeartbeatTimeout: time.Millisecond,
				HeartbeatCheck:   5 * time.Millisecond,
			})
			So(supervisor.Start(ctx, true), ShouldBeNil)
			So(supervisor.Stop(ctx), ShouldBeNil)

			go supervisor.Watchdog(ctx)
			time.Sleep(50 * time.Millisecond)
			cancel()

			So(state.RuntimeStatus(), ShouldEqual, models.StatusStopped)
		})
	})
}
