package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/orbit88/cube.js/internal/cloud"
	"github.com/orbit88/cube.js/internal/pack"
	"github.com/orbit88/cube.js/internal/retry"
	"github.com/orbit88/cube.js/internal/token"
)

// fakeCloud is an httptest backend implementing the auth, ingestion,
// and status endpoints end to end.
type fakeCloud struct {
	t      *testing.T
	apiKey string

	mu          sync.Mutex
	authCalls   int
	uploadCalls int
	statusCalls int
	digest      string
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token", f.handleAuth)
	mux.HandleFunc("/v1/deployments", f.handleUpload)
	mux.HandleFunc("/v1/deployments/", f.handleStatus)
	return mux
}

func (f *fakeCloud) handleAuth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authCalls++
	f.mu.Unlock()
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	if body["api_key"] != f.apiKey {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	if strings.TrimSpace(body["fingerprint"]) == "" {
		http.Error(w, `{"error":"fingerprint required"}`, http.StatusBadRequest)
		return
	}
	now := time.Now()
	expiry := now.Add(time.Hour)
	claims := token.Claims{
		Fingerprint: body["fingerprint"],
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "cube-cloud",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiry),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(f.apiKey))
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	json.NewEncoder(w).Encode(cloud.AuthResponse{Token: signed, ExpiresAt: expiry})
}

func (f *fakeCloud) handleUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.uploadCalls++
	f.digest = r.Header.Get("X-Package-Digest")
	f.mu.Unlock()
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(cloud.Job{ID: "dep-e2e", Status: cloud.StatusQueued})
}

func (f *fakeCloud) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	f.mu.Unlock()
	switch {
	case call == 1:
		json.NewEncoder(w).Encode(cloud.Job{ID: "dep-e2e", Status: cloud.StatusBuilding, Progress: 40})
	case call == 2:
		json.NewEncoder(w).Encode(cloud.Job{ID: "dep-e2e", Status: cloud.StatusDeploying, Progress: 70})
	default:
		json.NewEncoder(w).Encode(cloud.Job{ID: "dep-e2e", Status: cloud.StatusSucceeded, Progress: 100})
	}
}

func TestDeployAgainstFakeCloud(t *testing.T) {
	remote := &fakeCloud{t: t, apiKey: "key-e2e"}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	client, err := cloud.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	policy := retry.Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, Randomization: 0}
	tokens := token.NewManager(client, "key-e2e", "fp-e2e", policy, 30*time.Second, nil, nil)
	svc := New(tokens, client, pack.NewBuilder(0, nil), policy, time.Millisecond, 5*time.Second, nil)

	proj := writeProject(t)
	events, sink := collect()
	result, err := svc.Deploy(context.Background(), proj, sink)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if result.Job.Status != cloud.StatusSucceeded || result.Job.Progress != 100 {
		t.Fatalf("unexpected terminal job %+v", result.Job)
	}
	if remote.authCalls != 1 {
		t.Fatalf("expected one auth round trip, got %d", remote.authCalls)
	}
	if remote.uploadCalls != 1 {
		t.Fatalf("expected one upload, got %d", remote.uploadCalls)
	}
	if remote.digest != result.Digest {
		t.Fatalf("digest header %q does not match manifest digest %q", remote.digest, result.Digest)
	}
	if len(*events) == 0 {
		t.Fatal("expected progress events")
	}
}

func TestDeployAgainstFakeCloudRejectsBadKey(t *testing.T) {
	remote := &fakeCloud{t: t, apiKey: "key-e2e"}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	client, err := cloud.New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	policy := retry.Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, Randomization: 0}
	tokens := token.NewManager(client, "wrong-key", "fp-e2e", policy, 30*time.Second, nil, nil)
	svc := New(tokens, client, pack.NewBuilder(0, nil), policy, time.Millisecond, time.Second, nil)

	_, err = svc.Deploy(context.Background(), writeProject(t), nil)
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != StageAuth {
		t.Fatalf("expected auth stage error, got %v", err)
	}
	if remote.authCalls != 1 {
		t.Fatalf("rejected key must not be retried, got %d auth calls", remote.authCalls)
	}
	if remote.uploadCalls != 0 {
		t.Fatalf("no upload may follow auth rejection, got %d", remote.uploadCalls)
	}
}
