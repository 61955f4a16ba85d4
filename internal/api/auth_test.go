package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateToken(t *testing.T) {
	t.Parallel()

	if !ValidateToken("provided", "provided") {
		t.Fatalf("expected true for matching tokens")
	}
	if ValidateToken("provided", "other") {
		t.Fatalf("expected false for mismatched tokens")
	}
	if ValidateToken("", "configured") {
		t.Fatalf("expected false for empty provided token")
	}
	if ValidateToken("provided", "") {
		t.Fatalf("expected false for empty configured token")
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	key, err := ExtractBearerToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if key != "test-key" {
		t.Fatalf("expected key %q, got %q", "test-key", key)
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	if _, err := ExtractBearerToken(req2); err == nil {
		t.Fatalf("expected error for missing header")
	}

	req3 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req3.Header.Set("Authorization", "Basic abc")
	if _, err := ExtractBearerToken(req3); err == nil {
		t.Fatalf("expected error for non-bearer header")
	}

	req4 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req4.Header.Set("Authorization", "Bearer   ")
	if _, err := ExtractBearerToken(req4); err == nil {
		t.Fatalf("expected error for empty bearer token")
	}
}
