package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"
)

const (
	testToken = "abcdef.0123456789abcdef"
	testHash  = "sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func joinLine() string {
	return "kubeadm join 10.0.0.10:6443 --token " + testToken + " --discovery-token-ca-cert-hash " + testHash
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		output   string
		endpoint string
		wantErr  bool
	}{
		{
			name:     "single line",
			output:   joinLine() + " \n",
			endpoint: "10.0.0.10:6443",
		},
		{
			name:     "line continuation and preamble",
			output:   "W0101 warning text\nkubeadm join cp.example.com:6443 --token " + testToken + " \\\n    --discovery-token-ca-cert-hash " + testHash + "\n",
			endpoint: "cp.example.com:6443",
		},
		{
			name:     "equals form",
			output:   "kubeadm join [fd00::1]:6443 --token=" + testToken + " --discovery-token-ca-cert-hash=" + testHash,
			endpoint: "[fd00::1]:6443",
		},
		{name: "no join line", output: "error: token create failed", wantErr: true},
		{name: "bad token", output: "kubeadm join 10.0.0.10:6443 --token abc --discovery-token-ca-cert-hash " + testHash, wantErr: true},
		{name: "missing hash", output: "kubeadm join 10.0.0.10:6443 --token " + testToken, wantErr: true},
		{name: "missing port", output: "kubeadm join 10.0.0.10 --token " + testToken + " --discovery-token-ca-cert-hash " + testHash, wantErr: true},
		{name: "unexpected flag", output: joinLine() + " --ignore-preflight-errors=all", wantErr: true},
		{name: "shell metacharacters", output: "kubeadm join a;rm:6443 --token " + testToken + " --discovery-token-ca-cert-hash " + testHash, wantErr: true},
		{name: "dangling flag", output: "kubeadm join 10.0.0.10:6443 --token", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cred, err := Parse(tt.output)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidJoinCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, cred.Endpoint())
			args, err := cred.JoinArgs()
			require.NoError(t, err)
			assert.Equal(t, []string{
				"kubeadm", "join", tt.endpoint,
				"--token", testToken,
				"--discovery-token-ca-cert-hash", testHash,
			}, args)
		})
	}
}

func TestJoinCredential_NeverRendersToken(t *testing.T) {
	t.Parallel()

	cred, err := Parse(joinLine())
	require.NoError(t, err)

	rendered := []string{
		cred.String(),
		fmt.Sprintf("%v", cred),
		fmt.Sprintf("%+v", cred),
		fmt.Sprintf("%#v", cred),
		fmt.Sprintf("%s", cred),
	}

	js, err := json.Marshal(map[string]interface{}{"cred": cred})
	require.NoError(t, err)
	rendered = append(rendered, string(js))

	ys, err := yaml.Marshal(map[string]interface{}{"cred": cred})
	require.NoError(t, err)
	rendered = append(rendered, string(ys))

	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Info("published", zap.Any("credential", cred))
	require.Len(t, logs.All(), 1)
	rendered = append(rendered, fmt.Sprint(logs.All()[0].ContextMap()))

	for _, out := range rendered {
		assert.NotContains(t, out, "0123456789abcdef", out)
		assert.Contains(t, out, ports.Redacted)
	}
}

func TestJoinCredential_Erase(t *testing.T) {
	t.Parallel()

	cred, err := New("10.0.0.10:6443", testToken, testHash)
	require.NoError(t, err)
	tokenBytes := cred.token

	cred.Erase()
	assert.True(t, cred.Erased())
	assert.Equal(t, strings.Repeat("\x00", len(testToken)), string(tokenBytes))

	_, err = cred.JoinArgs()
	assert.ErrorIs(t, err, ErrErased)
}

func TestJoinCredential_Equal(t *testing.T) {
	t.Parallel()

	a, _ := New("10.0.0.10:6443", testToken, testHash)
	b, _ := New("10.0.0.10:6443", testToken, testHash)
	c, _ := New("10.0.0.11:6443", testToken, testHash)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	b.Erase()
	assert.False(t, a.Equal(b))
}

func TestVault_PublishOnce(t *testing.T) {
	t.Parallel()

	vault := NewVault()
	_, ok := vault.Get()
	assert.False(t, ok)

	first, _ := New("10.0.0.10:6443", testToken, testHash)
	second, _ := New("10.0.0.11:6443", testToken, testHash)

	require.NoError(t, vault.Publish(first))
	assert.ErrorIs(t, vault.Publish(second), ErrAlreadyPublished)
	assert.Error(t, vault.Publish(nil))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := vault.Get()
			assert.True(t, ok)
			assert.Same(t, first, got)
		}()
	}
	wg.Wait()

	vault.Erase()
	vault.Erase()
	_, ok = vault.Get()
	assert.False(t, ok)
	assert.True(t, first.Erased())
	assert.ErrorIs(t, vault.Publish(second), ErrAlreadyPublished)
}
