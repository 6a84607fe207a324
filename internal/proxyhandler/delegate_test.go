package proxyhandler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delegateRequestBody(t *testing.T, body delegateRequest) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewBuffer(raw)
}

func TestDelegateBadJSONReturns400(t *testing.T) {
	d, _ := newDispatcher(t, 443)

	req := httptest.NewRequest(http.MethodPost, DelegatePath, bytes.NewBufferString("{not json"))
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDelegatePolicyRejectReturns403(t *testing.T) {
	d, _ := newDispatcher(t, 443)

	body := delegateRequestBody(t, delegateRequest{
		Method: http.MethodGet,
		URL:    "http://10.0.0.1/secret",
	})
	req := httptest.NewRequest(http.MethodPost, DelegatePath, body)
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Error"))
}

func TestDelegateUpstreamErrorReturns502(t *testing.T) {
	// Port 1 is allowed by policy here but nothing listens on it locally.
	d, _ := newDispatcher(t, 1)

	body := delegateRequestBody(t, delegateRequest{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/unreachable",
	})
	req := httptest.NewRequest(http.MethodPost, DelegatePath, body)
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// Successful delegate round trip, including body_base64 decoding and
// streamed response passthrough.
func TestDelegateSuccessStreamsResponse(t *testing.T) {
	var gotMethod, gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("echo:" + gotBody))
	}))
	defer origin.Close()

	_, port, _ := net.SplitHostPort(origin.Listener.Addr().String())
	allowedPort := mustParsePortU(t, port)
	d, _ := newDispatcher(t, allowedPort)

	payload := base64.StdEncoding.EncodeToString([]byte("hello-delegate"))
	body := delegateRequestBody(t, delegateRequest{
		Method:     http.MethodPost,
		URL:        origin.URL + "/path",
		Headers:    map[string]string{"X-From-Delegate": "1"},
		BodyBase64: payload,
	})
	req := httptest.NewRequest(http.MethodPost, DelegatePath, body)
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Equal(t, "echo:hello-delegate", rec.Body.String())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "hello-delegate", gotBody)
}
