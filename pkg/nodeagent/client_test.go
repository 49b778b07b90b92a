package nodeagent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
)

func TestAPIKeyMatchesHMACSHA256OfFixedMessage(t *testing.T) {
	token := "do-secret-token"

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte("node-agent:"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := apiKey(token); got != want {
		t.Fatalf("apiKey(%q) = %q, want %q", token, got, want)
	}
}

func TestAPIKeyIsDeterministic(t *testing.T) {
	if apiKey("abc") != apiKey("abc") {
		t.Fatal("expected apiKey to be a pure function of its input")
	}
	if apiKey("abc") == apiKey("xyz") {
		t.Fatal("expected different tokens to produce different keys")
	}
}

func TestIsRetriableStatus(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tc := range cases {
		if got := isRetriableStatus(tc.status); got != tc.want {
			t.Errorf("isRetriableStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
