package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/domain/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(t *testing.T) *run {
	t.Helper()
	r := &run{
		o:      &Orchestrator{observer: nopStateObserver{}},
		report: &Report{RunID: "run-1", State: StateInit, History: []State{StateInit}},
		vault:  credential.NewVault(),
		logger: logging.NewNopLogger(),
	}
	interp, err := buildMachine(r)
	require.NoError(t, err)
	r.interp = interp
	r.interp.Start()
	t.Cleanup(r.interp.Stop)
	return r
}

func publishTestCredential(t *testing.T, r *run) *credential.JoinCredential {
	t.Helper()
	cred, err := credential.New("10.0.0.10:6443", testToken, testHash)
	require.NoError(t, err)
	require.NoError(t, r.vault.Publish(cred))
	return cred
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range States() {
		want := s == StateConverged || s == StateFailed
		assert.Equal(t, want, s.Terminal(), s.String())
	}
}

func TestMachine_IgnoresOutOfOrderEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event string
	}{
		{name: "workers before control plane", event: EventWorkersReady},
		{name: "credential before provisioning", event: EventCredentialReady},
		{name: "overlay before provisioning", event: EventOverlayComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRun(t)

			r.send(context.Background(), tt.event, nil)

			assert.Equal(t, StateInit, r.report.State)
			assert.Equal(t, []State{StateInit}, r.report.History)
		})
	}
}

func TestMachine_FailFromEveryActiveState(t *testing.T) {
	t.Parallel()

	path := []string{EventProvision, EventControlPlaneReady, EventCredentialReady, EventWorkersReady}
	for i := 0; i <= len(path); i++ {
		steps := path[:i]
		t.Run(string(States()[i]), func(t *testing.T) {
			t.Parallel()
			r := newTestRun(t)
			for _, e := range steps {
				r.send(context.Background(), e, nil)
			}
			require.Equal(t, States()[i], r.report.State)

			boom := errors.New("boom")
			r.fail(context.Background(), boom)

			assert.Equal(t, StateFailed, r.report.State)
			assert.ErrorIs(t, r.report.Err, boom)
		})
	}
}

func TestMachine_TerminalStatesAcceptNothing(t *testing.T) {
	t.Parallel()

	r := newTestRun(t)
	for _, e := range []string{EventProvision, EventControlPlaneReady, EventCredentialReady, EventWorkersReady, EventOverlayComplete} {
		r.send(context.Background(), e, nil)
	}
	require.Equal(t, StateConverged, r.report.State)

	r.send(context.Background(), EventFail, map[string]interface{}{"error": errors.New("late")})
	r.send(context.Background(), EventProvision, nil)

	assert.Equal(t, StateConverged, r.report.State)
	assert.NoError(t, r.report.Err)
	assert.Equal(t, happyPath, r.report.History)
}

func TestMachine_ErasesCredential(t *testing.T) {
	t.Parallel()

	t.Run("on entering overlay apply", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		cred := publishTestCredential(t, r)
		for _, e := range []string{EventProvision, EventControlPlaneReady, EventCredentialReady} {
			r.send(context.Background(), e, nil)
		}
		assert.False(t, cred.Erased())

		r.send(context.Background(), EventWorkersReady, nil)

		assert.True(t, cred.Erased())
		_, ok := r.vault.Get()
		assert.False(t, ok)
	})

	t.Run("on failure", func(t *testing.T) {
		t.Parallel()
		r := newTestRun(t)
		cred := publishTestCredential(t, r)
		r.send(context.Background(), EventProvision, nil)

		r.fail(context.Background(), errors.New("boom"))

		assert.True(t, cred.Erased())
	})
}
