// internal/network/httpclient_test.go
package network

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewHTTPTransport_Defaults(t *testing.T) {
	tr := NewHTTPTransport(ClientConfig{ForceHTTP2: true, Logger: zaptest.NewLogger(t)})

	assert.Equal(t, DefaultTLSHandshakeTimeout, tr.TLSHandshakeTimeout)
	assert.Equal(t, DefaultResponseHeaderTimeout, tr.ResponseHeaderTimeout)
	assert.Equal(t, DefaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Contains(t, tr.TLSClientConfig.NextProtos, "h2", "http2 registers its ALPN token")
	assert.False(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewHTTPTransport_HTTP1Only(t *testing.T) {
	tr := NewHTTPTransport(ClientConfig{IgnoreTLSErrors: true})
	assert.Equal(t, []string{"http/1.1"}, tr.TLSClientConfig.NextProtos)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewHTTPTransport_Proxy(t *testing.T) {
	proxy, err := url.Parse("http://127.0.0.1:3128")
	require.NoError(t, err)
	tr := NewHTTPTransport(ClientConfig{ProxyURL: proxy})

	req := httptest.NewRequest(http.MethodGet, "http://relay.example/mail", nil)
	got, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, proxy, got)
}

func TestNewClient_RoundTrip(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{RequestTimeout: 5 * time.Second, IgnoreTLSErrors: true, ForceHTTP2: true})
	assert.Equal(t, 5*time.Second, c.Timeout)

	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultRequestTimeout, NewClient(ClientConfig{}).Timeout)
}
