package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/codec"
	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
)

func testPayload() *ingest.Payload {
	return &ingest.Payload{
		SessionID:  "sess-1",
		Timestamp:  1709287500000,
		Aggregates: []ingest.Aggregate{{Key: "page_view:1709287500000", Count: 3}},
	}
}

func TestHTTPTransport_SendsCompressedPayload(t *testing.T) {
	var got ingest.Payload
	var encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		raw, err := codec.Decompress(body)
		if err != nil {
			t.Errorf("decompress: %v", err)
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), testPayload()))

	assert.Equal(t, ingest.EncodingLZ4, encoding)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Aggregates, 1)
	assert.Equal(t, int64(3), got.Aggregates[0].Count)
}

func TestHTTPTransport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"store failure", http.StatusOK, "error", ErrNotStored},
		{"bad request", http.StatusBadRequest, `{"error":"invalid payload"}`, nil},
		{"server error", http.StatusInternalServerError, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr, err := NewHTTP(srv.URL)
			require.NoError(t, err)

			err = tr.Send(context.Background(), testPayload())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPTransport_EmptyPayloadSkipped(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	tr, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), &ingest.Payload{SessionID: "s"}))
	assert.Equal(t, 0, calls)
}

func TestNewHTTP_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTP("")
	assert.Error(t, err)
}
