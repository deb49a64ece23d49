package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkErr(t *testing.T, err, want error) {
	t.Helper()
	if want != nil {
		require.Error(t, err)
		assert.ErrorIs(t, err, want)
		return
	}
	assert.NoError(t, err)
}

func TestValidatePackageName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "simple name", input: "conntrack", wantErr: nil},
		{name: "apt pinned", input: "kubelet=1.30.2-1.1", wantErr: nil},
		{name: "dnf pinned", input: "kubeadm-1.30.2", wantErr: nil},
		{name: "with plus", input: "g++", wantErr: nil},
		{name: "empty", input: "", wantErr: ErrEmptyInput},
		{name: "with semicolon", input: "curl;rm -rf", wantErr: ErrInvalidPackageName},
		{name: "with backtick", input: "curl`whoami`", wantErr: ErrInvalidPackageName},
		{name: "with space", input: "curl wget", wantErr: ErrInvalidPackageName},
		{name: "starts with hyphen", input: "-y", wantErr: ErrInvalidPackageName},
		{name: "too long", input: strings.Repeat("a", 300), wantErr: ErrInvalidPackageName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checkErr(t, ValidatePackageName(tt.input), tt.wantErr)
		})
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "release artifact", input: "https://github.com/containerd/containerd/releases/download/v1.7.20/containerd-1.7.20-linux-amd64.tar.gz"},
		{name: "with port", input: "http://mirror.internal:8080/cni/cni-plugins.tgz"},
		{name: "empty", input: "", wantErr: ErrEmptyInput},
		{name: "ftp scheme", input: "ftp://example.com/file", wantErr: ErrInvalidURL},
		{name: "command substitution", input: "https://example.com/$(id)", wantErr: ErrInvalidURL},
		{name: "query string", input: "https://example.com/a?b=c&d", wantErr: ErrInvalidURL},
		{name: "too long", input: "https://example.com/" + strings.Repeat("a", 2100), wantErr: ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checkErr(t, ValidateURL(tt.input), tt.wantErr)
		})
	}
}

func TestValidateRemotePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "absolute", input: "/etc/containerd/config.toml"},
		{name: "empty", input: "", wantErr: ErrEmptyInput},
		{name: "relative", input: "etc/containerd", wantErr: ErrInvalidPath},
		{name: "traversal", input: "/tmp/../etc/shadow", wantErr: ErrPathTraversal},
		{name: "encoded traversal", input: "/tmp/%2e%2e/etc", wantErr: ErrPathTraversal},
		{name: "null byte", input: "/tmp/a\x00b", wantErr: ErrInvalidPath},
		{name: "space", input: "/tmp/a b", wantErr: ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checkErr(t, ValidateRemotePath(tt.input), tt.wantErr)
		})
	}
}

func TestValidateHostname(t *testing.T) {
	t.Parallel()

	checkErr(t, ValidateHostname("cp1.example.internal"), nil)
	checkErr(t, ValidateHostname("10.0.0.10"), nil)
	checkErr(t, ValidateHostname("fd00::1"), nil)
	checkErr(t, ValidateHostname(""), ErrEmptyInput)
	checkErr(t, ValidateHostname("cp1;reboot"), ErrInvalidHostname)
	checkErr(t, ValidateHostname(strings.Repeat("a", 254)), ErrInvalidHostname)
}

func TestValidateKernelModule(t *testing.T) {
	t.Parallel()

	checkErr(t, ValidateKernelModule("br_netfilter"), nil)
	checkErr(t, ValidateKernelModule("overlay"), nil)
	checkErr(t, ValidateKernelModule(""), ErrEmptyInput)
	checkErr(t, ValidateKernelModule("overlay; reboot"), ErrInvalidKernelMod)
	checkErr(t, ValidateKernelModule("Overlay"), ErrInvalidKernelMod)
}

func TestValidateSysctl(t *testing.T) {
	t.Parallel()

	checkErr(t, ValidateSysctl("net.ipv4.ip_forward", "1"), nil)
	checkErr(t, ValidateSysctl("net.bridge.bridge-nf-call-iptables", "1"), nil)
	checkErr(t, ValidateSysctl("", "1"), ErrEmptyInput)
	checkErr(t, ValidateSysctl("ip_forward", "1"), ErrInvalidSysctl)
	checkErr(t, ValidateSysctl("net.ipv4.ip_forward", "1;reboot"), ErrInvalidSysctl)
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "'/etc/kubernetes'", ShellQuote("/etc/kubernetes"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}
