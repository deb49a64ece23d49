package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// AssertFileContains asserts that a file contains the expected string.
func AssertFileContains(t testing.TB, path, expected string, msgAndArgs ...interface{}) {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), expected), msgAndArgs...)
}

// AssertYAMLEquals asserts that two YAML documents are semantically equal.
func AssertYAMLEquals(t testing.TB, expected, actual string, msgAndArgs ...interface{}) {
	t.Helper()

	var exp, act interface{}
	require.NoError(t, yaml.Unmarshal([]byte(expected), &exp), "failed to parse expected YAML")
	require.NoError(t, yaml.Unmarshal([]byte(actual), &act), "failed to parse actual YAML")
	assert.Equal(t, exp, act, msgAndArgs...)
}
