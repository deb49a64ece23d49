// Package credential holds the join credential handed from the control
// plane to workers. Its secret parts never appear in formatted, marshalled
// or logged output.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"go.uber.org/zap/zapcore"
)

// Credential errors.
var (
	ErrInvalidJoinCommand = errors.New("invalid join command")
	ErrErased             = errors.New("credential has been erased")
)

var (
	tokenPattern  = regexp.MustCompile(`^[a-z0-9]{6}\.[a-z0-9]{16}$`)
	caHashPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
)

// JoinCredential is a bootstrap token, the CA public key pin and the
// control-plane endpoint a worker authenticates against.
type JoinCredential struct {
	mu       sync.RWMutex
	endpoint string
	token    []byte
	caHashes []string
	erased   bool
}

// New validates the parts and builds a credential.
func New(endpoint, token string, caCertHashes ...string) (*JoinCredential, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if !tokenPattern.MatchString(token) {
		return nil, fmt.Errorf("%w: token does not match [a-z0-9]{6}.[a-z0-9]{16}", ErrInvalidJoinCommand)
	}
	if len(caCertHashes) == 0 {
		return nil, fmt.Errorf("%w: missing --discovery-token-ca-cert-hash", ErrInvalidJoinCommand)
	}
	for _, h := range caCertHashes {
		if !caHashPattern.MatchString(h) {
			return nil, fmt.Errorf("%w: malformed CA cert hash", ErrInvalidJoinCommand)
		}
	}
	return &JoinCredential{
		endpoint: endpoint,
		token:    []byte(token),
		caHashes: append([]string(nil), caCertHashes...),
	}, nil
}

// Parse extracts a credential from the output of
// "kubeadm token create --print-join-command". Only the endpoint, token and
// CA hash flags are kept; any other token in the output is rejected so the
// worker side never replays unvetted arguments.
func Parse(output string) (*JoinCredential, error) {
	line := strings.ReplaceAll(output, "\\\n", " ")
	var fields []string
	for _, l := range strings.Split(line, "\n") {
		f := strings.Fields(l)
		if len(f) >= 2 && f[0] == "kubeadm" && f[1] == "join" {
			fields = f
			break
		}
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: no \"kubeadm join\" line in output", ErrInvalidJoinCommand)
	}

	var endpoint, token string
	var hashes []string
	args := fields[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, value, hasValue := strings.Cut(arg, "=")
		switch flag {
		case "--token", "--discovery-token-ca-cert-hash":
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("%w: %s requires a value", ErrInvalidJoinCommand, flag)
				}
				i++
				value = args[i]
			}
			if flag == "--token" {
				token = value
			} else {
				hashes = append(hashes, value)
			}
		default:
			if strings.HasPrefix(arg, "-") || endpoint != "" {
				return nil, fmt.Errorf("%w: unexpected argument %q", ErrInvalidJoinCommand, flag)
			}
			endpoint = arg
		}
	}
	return New(endpoint, token, hashes...)
}

func validateEndpoint(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint %q: %w", ErrInvalidJoinCommand, endpoint, err)
	}
	if host == "" || strings.ContainsAny(host, " ;&|$`'\"\\") {
		return fmt.Errorf("%w: endpoint host %q", ErrInvalidJoinCommand, host)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: endpoint port %q", ErrInvalidJoinCommand, port)
	}
	return nil
}

// Endpoint returns the control-plane address (host:port). It is not secret.
func (c *JoinCredential) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// JoinArgs returns the argv for "kubeadm join", built only from validated parts.
func (c *JoinCredential) JoinArgs() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.erased {
		return nil, ErrErased
	}
	args := []string{"kubeadm", "join", c.endpoint, "--token", string(c.token)}
	for _, h := range c.caHashes {
		args = append(args, "--discovery-token-ca-cert-hash", h)
	}
	return args, nil
}

// Equal reports whether two credentials carry the same values.
func (c *JoinCredential) Equal(other *JoinCredential) bool {
	if c == nil || other == nil {
		return c == other
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	if c.erased || other.erased || c.endpoint != other.endpoint || string(c.token) != string(other.token) {
		return false
	}
	if len(c.caHashes) != len(other.caHashes) {
		return false
	}
	for i := range c.caHashes {
		if c.caHashes[i] != other.caHashes[i] {
			return false
		}
	}
	return true
}

// Erase overwrites the token in memory. The credential is unusable afterwards.
func (c *JoinCredential) Erase() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.token {
		c.token[i] = 0
	}
	c.token = nil
	c.caHashes = nil
	c.erased = true
}

// Erased reports whether Erase has been called.
func (c *JoinCredential) Erased() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.erased
}

func (c *JoinCredential) String() string {
	return fmt.Sprintf("JoinCredential{endpoint=%s, token=%s}", c.Endpoint(), ports.Redacted)
}

// GoString keeps %#v from dumping the token bytes.
func (c *JoinCredential) GoString() string {
	return c.String()
}

// Format applies the redacted form to every verb, including %v on the struct value.
func (c *JoinCredential) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(c.String()))
}

// MarshalJSON implements json.Marshaler with the secret parts redacted.
func (c *JoinCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.redacted())
}

// MarshalYAML implements yaml.Marshaler with the secret parts redacted.
func (c *JoinCredential) MarshalYAML() (interface{}, error) {
	return c.redacted(), nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c *JoinCredential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("endpoint", c.Endpoint())
	enc.AddString("token", ports.Redacted)
	return nil
}

func (c *JoinCredential) redacted() map[string]string {
	return map[string]string{"endpoint": c.Endpoint(), "token": ports.Redacted}
}
