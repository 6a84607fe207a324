package auth

import (
	"encoding/base64"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func mustDecode(t *testing.T, header string) string {
	t.Helper()
	rest, ok := stripSchemePrefix(header, "Basic ")
	if !ok {
		t.Fatalf("header missing Basic prefix: %q", header)
	}
	decoded, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		t.Fatalf("bad base64: %v", err)
	}
	return string(decoded)
}

// flipLastHexChar mutates the final hex digit of the signature component so
// the recomputed signature no longer matches, without touching length.
func flipLastHexChar(cred string) string {
	b := []byte(cred)
	last := b[len(b)-1]
	if last == '0' {
		b[len(b)-1] = '1'
	} else {
		b[len(b)-1] = '0'
	}
	return string(b)
}
