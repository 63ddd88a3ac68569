package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orbit88/cube.js/internal/pack"
)

func testManifest() *pack.Manifest {
	return &pack.Manifest{
		Files:     []pack.FileEntry{{Path: "cube.yml", Size: 12, Hash: "ab"}},
		TotalSize: 12,
		Digest:    "deadbeef",
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/auth/token" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["api_key"] != "key-1" {
			t.Fatalf("unexpected api_key %q", body["api_key"])
		}
		if body["fingerprint"] != "fp-1" {
			t.Fatalf("fingerprint missing from auth request: %v", body)
		}
		json.NewEncoder(w).Encode(AuthResponse{Token: "signed", ExpiresAt: expires})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Authenticate(context.Background(), "key-1", "fp-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.Token != "signed" || !resp.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	_, err := client.Authenticate(context.Background(), "bad", "fp")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if Transient(err) {
		t.Fatal("rejected credentials must not be retryable")
	}
}

func TestAuthenticateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	_, err := client.Authenticate(context.Background(), "key", "fp")
	if err == nil {
		t.Fatal("expected error")
	}
	if !Transient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestCreateDeploymentSuccess(t *testing.T) {
	archive := []byte("archive-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deployments" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization %q", got)
		}
		if got := r.Header.Get("X-Package-Digest"); got != "deadbeef" {
			t.Fatalf("unexpected digest header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		var manifest pack.Manifest
		if err := json.Unmarshal([]byte(r.FormValue("manifest")), &manifest); err != nil {
			t.Fatalf("decode manifest part: %v", err)
		}
		if manifest.Digest != "deadbeef" {
			t.Fatalf("unexpected manifest digest %q", manifest.Digest)
		}
		file, _, err := r.FormFile("package")
		if err != nil {
			t.Fatalf("package part: %v", err)
		}
		data, _ := io.ReadAll(file)
		if string(data) != string(archive) {
			t.Fatal("archive bytes corrupted in transit")
		}
		json.NewEncoder(w).Encode(Job{ID: "dep-1", Status: StatusQueued})
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	job, err := client.CreateDeployment(context.Background(), "tok", testManifest(), archive)
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if job.ID != "dep-1" || job.Status != StatusQueued {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestCreateDeploymentQuotaRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(map[string]string{"error": "team quota exceeded"})
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	_, err := client.CreateDeployment(context.Background(), "tok", testManifest(), []byte("x"))
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if Transient(err) {
		t.Fatal("quota rejection must not be retryable")
	}
}

func TestCreateDeploymentExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	_, err := client.CreateDeployment(context.Background(), "tok", testManifest(), []byte("x"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGetDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deployments/dep-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Job{ID: "dep-1", Status: StatusBuilding, Progress: 40})
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	job, err := client.GetDeployment(context.Background(), "tok", "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if job.Status != StatusBuilding || job.Progress != 40 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestTransientClassification(t *testing.T) {
	if Transient(nil) {
		t.Fatal("nil is not transient")
	}
	if Transient(context.Canceled) {
		t.Fatal("cancellation is not transient")
	}
	if !Transient(APIError{Status: 503}) {
		t.Fatal("503 should be transient")
	}
	if Transient(APIError{Status: 422}) {
		t.Fatal("422 should not be transient")
	}
	if !Transient(errors.New("connection reset by peer")) {
		t.Fatal("network errors should be transient")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusBuilding, StatusDeploying} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	for _, s := range []Status{StatusSucceeded, StatusFailed} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
