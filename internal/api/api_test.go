package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/agent"
	"aiInterview/internal/auth"
	"aiInterview/internal/config"
	"aiInterview/internal/database/dbtest"
	"aiInterview/internal/errcode"
	"aiInterview/internal/federation"
	"aiInterview/internal/interview"
	"aiInterview/internal/store"
)

// scriptedAgent 依次返回预设的回复，第三条回复结束面试。
type scriptedAgent struct {
	mu   sync.Mutex
	seq  int
	sent map[string]int

	failFinalize atomic.Bool
}

func (a *scriptedAgent) Start(_ context.Context, profile agent.Profile) (*agent.Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return &agent.Turn{
		SessionID: fmt.Sprintf("remote-%d", a.seq),
		Message:   "Welcome to your " + profile.Role + " interview.",
		Phase:     "introduction",
	}, nil
}

func (a *scriptedAgent) SendMessage(_ context.Context, sessionID, _ string) (*agent.Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent == nil {
		a.sent = map[string]int{}
	}
	a.sent[sessionID]++
	phases := []string{"technical-basic", "behavioral", "closing"}
	n := a.sent[sessionID]
	return &agent.Turn{
		SessionID: sessionID,
		Message:   "question",
		Phase:     phases[min(n, len(phases))-1],
		Done:      n >= len(phases),
	}, nil
}

func (a *scriptedAgent) Finalize(_ context.Context, sessionID, reason string, duration int) (*agent.Evaluation, error) {
	if a.failFinalize.Load() {
		return nil, fmt.Errorf("%w: agent unavailable", errcode.ErrTransport)
	}
	return &agent.Evaluation{
		SessionID:        sessionID,
		Score:            7,
		Summary:          "solid fundamentals",
		Strengths:        []string{"clarity"},
		CompletionReason: reason,
		DurationSeconds:  duration,
		TotalQuestions:   3,
		TotalResponses:   3,
	}, nil
}

func (a *scriptedAgent) Release(context.Context, string) error { return nil }

type testServer struct {
	t      *testing.T
	router *gin.Engine
	agent  *scriptedAgent
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	authService, err := auth.NewAuthService(privatePEM, publicPEM, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	accessors := store.NewAccessors(dbtest.NewRegistry(t))
	svc := federation.NewService(accessors, nil)
	scripted := &scriptedAgent{}
	sessions := interview.NewManager(interview.Config{}, interview.Collaborators{
		Agent:     scripted,
		Persister: svc,
	}, svc)
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	// 不可达的 Redis：登录限流与锁定在出错时放行。
	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := &config.Config{Auth: config.AuthConfig{
		LoginRateLimitPerHour: 100,
		LoginLockThreshold:    5,
		LoginLockTTL:          time.Minute,
	}}

	router := NewRouter(nil)
	RegisterRoutes(router, Dependencies{
		Config:      cfg,
		AuthService: authService,
		Accounts:    auth.NewAccounts(accessors, nil),
		Federation:  svc,
		Sessions:    sessions,
		Redis:       redisClient,
	})
	return &testServer{t: t, router: router, agent: scripted}
}

func (s *testServer) do(method, path, token string, body any, wantStatus int) map[string]any {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != wantStatus {
		s.t.Fatalf("%s %s: expected %d got %d body=%s", method, path, wantStatus, w.Code, w.Body.String())
	}
	out := map[string]any{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			s.t.Fatalf("decode body: %v", err)
		}
	}
	return out
}

func (s *testServer) signup(role, username string) string {
	s.t.Helper()
	s.do(http.MethodPost, "/v1/auth/register", "", gin.H{
		"role":     role,
		"username": username,
		"email":    username + "@example.com",
		"password": "password-123",
	}, http.StatusCreated)
	resp := s.do(http.MethodPost, "/v1/auth/login", "", gin.H{
		"role":     role,
		"username": username,
		"password": "password-123",
	}, http.StatusOK)
	token, _ := resp["access_token"].(string)
	if token == "" {
		s.t.Fatalf("login returned no token: %v", resp)
	}
	return token
}

func idOf(t *testing.T, m map[string]any) uint {
	t.Helper()
	v, ok := m["id"].(float64)
	if !ok {
		t.Fatalf("missing id in %v", m)
	}
	return uint(v)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/health", "", nil, http.StatusOK)
	s.do(http.MethodGet, "/metrics", "", nil, http.StatusOK)
}

func TestAuthAndRoleGates(t *testing.T) {
	s := newTestServer(t)
	student := s.signup("student", "sam")
	recruiter := s.signup("recruiter", "rita")

	s.do(http.MethodGet, "/v1/users/me", "", nil, http.StatusUnauthorized)
	me := s.do(http.MethodGet, "/v1/users/me", student, nil, http.StatusOK)
	if me["role"] != "student" {
		t.Fatalf("expected student identity, got %v", me)
	}

	s.do(http.MethodPost, "/v1/jobs", student, gin.H{"title": "Nope", "company": "X"}, http.StatusForbidden)
	s.do(http.MethodPost, "/v1/interviews", recruiter, gin.H{"profile": gin.H{"role": "SRE"}}, http.StatusForbidden)

	s.do(http.MethodPost, "/v1/auth/register", "", gin.H{
		"role": "main", "username": "boss", "email": "boss@example.com", "password": "password-123",
	}, http.StatusBadRequest)
	s.do(http.MethodPost, "/v1/auth/login", "", gin.H{
		"role": "recruiter", "username": "sam", "password": "password-123",
	}, http.StatusUnauthorized)
}

func TestApplicationAndInterviewFlow(t *testing.T) {
	s := newTestServer(t)
	student := s.signup("student", "sam")
	recruiter := s.signup("recruiter", "rita")
	otherRecruiter := s.signup("recruiter", "oscar")

	job := s.do(http.MethodPost, "/v1/jobs", recruiter, gin.H{
		"title":                      "Backend Engineer",
		"company":                    "Acme",
		"tags":                       []string{"go", "postgres"},
		"interview_duration_minutes": 15,
	}, http.StatusCreated)
	jobID := idOf(t, job)

	list := s.do(http.MethodGet, "/v1/jobs?q=BACKEND", "", nil, http.StatusOK)
	if list["total"].(float64) != 1 {
		t.Fatalf("expected one job in search, got %v", list)
	}

	app := s.do(http.MethodPost, "/v1/applications", student, gin.H{"job_id": jobID}, http.StatusCreated)
	appID := idOf(t, app)
	s.do(http.MethodPost, "/v1/applications", student, gin.H{"job_id": jobID}, http.StatusConflict)
	s.do(http.MethodGet, fmt.Sprintf("/v1/applications/job/%d", jobID), otherRecruiter, nil, http.StatusForbidden)

	started := s.do(http.MethodPost, "/v1/interviews", student, gin.H{"application_id": appID}, http.StatusCreated)
	session := started["session"].(map[string]any)
	sessionID := session["session_id"].(string)
	if session["remaining_seconds"].(float64) != 15*60 {
		t.Fatalf("expected job duration, got %v", session["remaining_seconds"])
	}
	s.do(http.MethodGet, "/v1/interviews/"+sessionID, recruiter, nil, http.StatusForbidden)

	for range 3 {
		s.do(http.MethodPost, "/v1/interviews/"+sessionID+"/messages", student, gin.H{"message": "my answer"}, http.StatusOK)
	}
	s.do(http.MethodPost, "/v1/interviews/"+sessionID+"/messages", student, gin.H{"message": "late"}, http.StatusConflict)

	done := s.do(http.MethodGet, "/v1/interviews/"+sessionID+"?wait=true", student, nil, http.StatusOK)
	fin := done["finalization"].(map[string]any)
	if fin["status"] != "succeeded" {
		t.Fatalf("expected succeeded finalization, got %v", fin)
	}

	result := s.do(http.MethodGet, fmt.Sprintf("/v1/applications/%d/interview-result", appID), student, nil, http.StatusOK)
	if result["score"].(float64) != 7 || result["completion_reason"] != "agent-complete" {
		t.Fatalf("unexpected result %v", result)
	}
	s.do(http.MethodGet, fmt.Sprintf("/v1/applications/%d/interview-result", appID), recruiter, nil, http.StatusOK)
	s.do(http.MethodGet, fmt.Sprintf("/v1/applications/%d/interview-result", appID), otherRecruiter, nil, http.StatusForbidden)

	updated := s.do(http.MethodPut, fmt.Sprintf("/v1/applications/%d/status", appID), recruiter, gin.H{"status": "interview"}, http.StatusOK)
	if updated["status"] != "interview" {
		t.Fatalf("expected interview status, got %v", updated)
	}
	s.do(http.MethodPut, fmt.Sprintf("/v1/applications/%d/status", appID), recruiter, gin.H{"status": "hired"}, http.StatusBadRequest)
}

func TestSavedJobs(t *testing.T) {
	s := newTestServer(t)
	student := s.signup("student", "sam")
	recruiter := s.signup("recruiter", "rita")

	job := s.do(http.MethodPost, "/v1/jobs", recruiter, gin.H{"title": "Data Engineer", "company": "Acme"}, http.StatusCreated)
	jobID := idOf(t, job)

	s.do(http.MethodPost, fmt.Sprintf("/v1/users/saved-jobs/%d", jobID), student, nil, http.StatusOK)
	s.do(http.MethodPost, fmt.Sprintf("/v1/users/saved-jobs/%d", jobID), student, nil, http.StatusOK)
	s.do(http.MethodPost, "/v1/users/saved-jobs/999", student, nil, http.StatusNotFound)

	me := s.do(http.MethodGet, "/v1/users/me", student, nil, http.StatusOK)
	if saved := me["saved_jobs"].([]any); len(saved) != 1 {
		t.Fatalf("expected one saved job, got %v", saved)
	}

	s.do(http.MethodDelete, fmt.Sprintf("/v1/jobs/%d", jobID), recruiter, nil, http.StatusNoContent)
	s.do(http.MethodDelete, fmt.Sprintf("/v1/users/saved-jobs/%d", jobID), student, nil, http.StatusOK)
}

func TestWaitShowsFailedFinalizationWithRetry(t *testing.T) {
	s := newTestServer(t)
	student := s.signup("student", "dora")
	s.agent.failFinalize.Store(true)

	started := s.do(http.MethodPost, "/v1/interviews", student, gin.H{"profile": gin.H{"role": "SRE"}}, http.StatusCreated)
	sessionID := started["session"].(map[string]any)["session_id"].(string)
	s.do(http.MethodPost, "/v1/interviews/"+sessionID+"/quit", student, nil, http.StatusAccepted)

	failed := s.do(http.MethodGet, "/v1/interviews/"+sessionID+"?wait=true", student, nil, http.StatusOK)
	fin := failed["finalization"].(map[string]any)
	if fin["status"] != "failed" || fin["retryable"] != true {
		t.Fatalf("expected retryable failure, got %v", fin)
	}

	s.agent.failFinalize.Store(false)
	s.do(http.MethodPost, "/v1/interviews/"+sessionID+"/retry", student, nil, http.StatusAccepted)
	done := s.do(http.MethodGet, "/v1/interviews/"+sessionID+"?wait=true", student, nil, http.StatusOK)
	if status := done["finalization"].(map[string]any)["status"]; status != "succeeded" {
		t.Fatalf("expected succeeded after retry, got %v", status)
	}
}
