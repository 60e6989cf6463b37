package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/daily":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "qf-test", r.Header.Get("User-Agent"))
			assert.Equal(t, "000001.SZ", r.URL.Query().Get("ts_code"))
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "daily", body["api_name"])
			_, _ = w.Write([]byte(`{"code":0}`))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`slow down`))
		case "/broken":
			_, _ = w.Write([]byte(`{"code":`))
		}
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("qf-test"))
	ctx := context.Background()

	var out struct{ Code int }
	require.NoError(t, c.SendAndParse(ctx, &RequestOptions{
		Method:      MethodPost,
		URL:         srv.URL + "/daily",
		QueryParams: map[string][]string{"ts_code": {"000001.SZ"}},
		Body:        map[string]string{"api_name": "daily"},
	}, &out))
	assert.Equal(t, 0, out.Code)

	err := c.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: srv.URL + "/busy"}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "slow down", se.Body)
	assert.True(t, se.Temporary())

	err = c.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: srv.URL + "/broken"}, &out)
	assert.True(t, IsDecodeError(err))

	var raw []byte
	require.NoError(t, c.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: srv.URL + "/broken"}, &raw))
	assert.Equal(t, `{"code":`, string(raw))
}
