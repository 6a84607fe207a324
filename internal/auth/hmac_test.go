package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-hmac-key")

func TestValidateAccepts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := Sign(testKey, "node-1", now.Unix())
	err := Validate(header, testKey, "node-1", 300*time.Second, now)
	require.NoError(t, err)
}

func TestValidateRejectsWrongNodeID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := Sign(testKey, "node-1", now.Unix())
	err := Validate(header, testKey, "node-2", 300*time.Second, now)
	assert.Same(t, ErrSignatureMismatch, err)
}

func TestValidateMissingHeader(t *testing.T) {
	err := Validate("", testKey, "node-1", 300*time.Second, time.Now())
	assert.Same(t, ErrMissingHeader, err)
}

func TestValidateWrongUsername(t *testing.T) {
	header := "Basic " + b64("user:12345.abc")
	err := Validate(header, testKey, "node-1", 300*time.Second, time.Now())
	assert.Same(t, ErrInvalidUsername, err)
}

func TestValidateBadPasswordFormat(t *testing.T) {
	header := "Basic " + b64("hmac:no-dot-here")
	err := Validate(header, testKey, "node-1", 300*time.Second, time.Now())
	assert.Same(t, ErrInvalidPasswordFormat, err)
}

func TestValidateBadTimestamp(t *testing.T) {
	header := "Basic " + b64("hmac:not-a-number.abc")
	err := Validate(header, testKey, "node-1", 300*time.Second, time.Now())
	assert.Same(t, ErrTimestampParseError, err)
}

func TestReplayBoundExactTolerance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := now.Add(-300 * time.Second).Unix()
	header := Sign(testKey, "node-1", ts)
	err := Validate(header, testKey, "node-1", 300*time.Second, now)
	assert.NoError(t, err)
}

func TestReplayBoundJustOverTolerance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := now.Add(-301 * time.Second).Unix()
	header := Sign(testKey, "node-1", ts)
	err := Validate(header, testKey, "node-1", 300*time.Second, now)
	assert.Same(t, ErrTimestampExpired, err)
}

func TestSignatureMismatchSingleByteFlip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := Sign(testKey, "node-1", now.Unix())
	decoded := mustDecode(t, header)
	flipped := flipLastHexChar(decoded)
	tampered := "Basic " + b64(flipped)
	err := Validate(tampered, testKey, "node-1", 300*time.Second, now)
	assert.Same(t, ErrSignatureMismatch, err)
}

func TestCaseInsensitiveScheme(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := Sign(testKey, "node-1", now.Unix())
	lower := "basic" + header[len("Basic"):]
	err := Validate(lower, testKey, "node-1", 300*time.Second, now)
	assert.NoError(t, err)
}
