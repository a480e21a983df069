package linkrewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSignature(t *testing.T) {
	// sha256("app" + "1700000000" + "{}" + "secret")
	got := Signature("app", "1700000000", []byte("{}"), "secret")
	if len(got) != 64 {
		t.Fatalf("signature length = %d, want 64", len(got))
	}
	if got == Signature("app", "1700000001", []byte("{}"), "secret") {
		t.Error("signature does not depend on timestamp")
	}
}

func TestShopeeShortLink(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		var req graphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotQuery = req.Query

		ts := "1700000000"
		wantAuth := fmt.Sprintf("SHA256 Credential=app-1, Timestamp=%s, Signature=%s",
			ts, Signature("app-1", ts, body, "s3cret"))
		if gotAuth != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"generateShortLink":{"shortLink":"https://s.shopee.com.br/XYZ"}}}`)
	}))
	defer srv.Close()

	c := NewShopee("app-1", "s3cret", ShopeeOptions{
		Endpoint: srv.URL,
		SubIDs:   []string{"relay"},
	})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	got, err := c.ShortLink(context.Background(), "https://shopee.com.br/item")
	if err != nil {
		t.Fatalf("short link: %v (auth %q)", err, gotAuth)
	}
	if diff := cmp.Diff("https://s.shopee.com.br/XYZ", got); diff != "" {
		t.Errorf("ShortLink() mismatch (-want +got):\n%s", diff)
	}
	wantQuery := `mutation { generateShortLink(input: { originUrl: "https://shopee.com.br/item", subIds: ["relay"] }) { shortLink } }`
	if diff := cmp.Diff(wantQuery, gotQuery); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestShopeeShortLinkErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "http error", status: http.StatusBadGateway, body: "oops", wantErr: "unexpected status 502"},
		{name: "graphql error", status: http.StatusOK, body: `{"errors":[{"message":"invalid sign"}]}`, wantErr: "invalid sign"},
		{name: "missing link", status: http.StatusOK, body: `{"data":{"generateShortLink":{}}}`, wantErr: "empty short link"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewShopee("a", "b", ShopeeOptions{Endpoint: srv.URL})
			_, err := c.ShortLink(context.Background(), "https://shopee.com.br/x")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ShortLink() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
