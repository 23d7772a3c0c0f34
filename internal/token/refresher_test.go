package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/agendamail/internal/crypto"
	"github.com/hitoshi/agendamail/internal/model"
	"github.com/hitoshi/agendamail/internal/repository"
)

// --- モック定義 ---

type mockCredentialRepo struct {
	mu           sync.Mutex
	cred         *model.Credential
	upserted     *model.Credential
	markedUserID string

	findErr error
}

func (m *mockCredentialRepo) FindByUserID(_ context.Context, _ string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.cred, nil
}

func (m *mockCredentialRepo) Upsert(_ context.Context, cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = cred
	m.cred = cred
	return nil
}

func (m *mockCredentialRepo) MarkInvalid(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedUserID = userID
	if m.cred != nil {
		m.cred.Invalid = true
	}
	return nil
}

var _ repository.CredentialRepository = (*mockCredentialRepo)(nil)

func testCipher(t *testing.T) crypto.Cipher {
	t.Helper()
	c, err := crypto.NewAESGCMCipher("test-encryption-secret")
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	return c
}

func encrypt(t *testing.T, c crypto.Cipher, plaintext string) []byte {
	t.Helper()
	b, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	return b
}

// --- テスト ---

func TestAccessSecret_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "current-token"),
			RefreshSecret: encrypt(t, cipher, "refresh-token"),
			ExpiresAt:     time.Now().Add(time.Hour),
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{TokenURL: "http://unreachable.invalid"})

	got, err := r.AccessSecret(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("AccessSecret failed: %v", err)
	}
	if got != "current-token" {
		t.Errorf("token = %q, want current-token", got)
	}
	if repo.upserted != nil {
		t.Error("expected no refresh for fresh token")
	}
}

func TestAccessSecret_ExpiringTokenIsRefreshed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-token" {
			t.Errorf("refresh_token = %q, want refresh-token", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "stale-token"),
			RefreshSecret: encrypt(t, cipher, "refresh-token"),
			ExpiresAt:     time.Now().Add(10 * time.Second), // 余裕時間60秒の内側
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{TokenURL: server.URL})

	got, err := r.AccessSecret(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("AccessSecret failed: %v", err)
	}
	if got != "new-token" {
		t.Errorf("token = %q, want new-token", got)
	}

	if repo.upserted == nil {
		t.Fatal("expected refreshed credential to be persisted")
	}
	stored, err := cipher.Decrypt(repo.upserted.AccessSecret)
	if err != nil {
		t.Fatalf("failed to decrypt stored secret: %v", err)
	}
	if stored != "new-token" {
		t.Errorf("stored token = %q, want new-token", stored)
	}
	if !repo.upserted.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Error("expected extended expiry on refreshed credential")
	}
}

func TestAccessSecret_ProviderRejectionMarksInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid_grant"})
	}))
	defer server.Close()

	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "stale-token"),
			RefreshSecret: encrypt(t, cipher, "revoked-refresh"),
			ExpiresAt:     time.Now().Add(-time.Minute),
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{TokenURL: server.URL})

	_, err := r.AccessSecret(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredentialInvalid {
		t.Errorf("expected CREDENTIAL_INVALID error, got %v", err)
	}
	if repo.markedUserID != "user-1" {
		t.Error("expected credential to be marked invalid")
	}
	// レコード自体は残る
	if repo.cred == nil {
		t.Error("expected credential record to survive invalidation")
	}
}

func TestAccessSecret_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "stale-token"),
			RefreshSecret: encrypt(t, cipher, "refresh-token"),
			ExpiresAt:     time.Now().Add(-time.Minute),
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{TokenURL: server.URL})

	_, err := r.AccessSecret(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTransientNetwork {
		t.Errorf("expected TRANSIENT_NETWORK error, got %v", err)
	}
	if repo.markedUserID != "" {
		t.Error("transient failure must not invalidate credential")
	}
}

func TestAccessSecret_MissingCredential(t *testing.T) {
	repo := &mockCredentialRepo{}
	r := NewRefresher(repo, testCipher(t), nil, RefresherConfig{})

	_, err := r.AccessSecret(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredentialInvalid {
		t.Errorf("expected CREDENTIAL_INVALID error, got %v", err)
	}
}

func TestAccessSecret_InvalidCredentialShortCircuits(t *testing.T) {
	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:       "user-1",
			AccessSecret: encrypt(t, cipher, "token"),
			ExpiresAt:    time.Now().Add(time.Hour),
			Invalid:      true,
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{})

	_, err := r.AccessSecret(context.Background(), "user-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredentialInvalid {
		t.Errorf("expected CREDENTIAL_INVALID error, got %v", err)
	}
}

func TestAccessSecret_StalledProviderTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 応答を返さず保留する
		<-release
	}))
	defer server.Close()
	defer close(release)

	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "stale-token"),
			RefreshSecret: encrypt(t, cipher, "refresh-token"),
			ExpiresAt:     time.Now().Add(-time.Minute),
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{
		TokenURL:   server.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	})

	start := time.Now()
	_, err := r.AccessSecret(context.Background(), "user-1")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTransientNetwork {
		t.Errorf("expected TRANSIENT_NETWORK error, got %v", err)
	}
	// 応答のないエンドポイントでもタイムアウトで制御が戻り、ロックを解放できる
	if elapsed > 2*time.Second {
		t.Errorf("AccessSecret took %v, expected timeout well under 2s", elapsed)
	}
	if repo.markedUserID != "" {
		t.Error("timeout must not invalidate credential")
	}
}

func TestNewRefresher_DefaultHTTPClientHasTimeout(t *testing.T) {
	r := NewRefresher(&mockCredentialRepo{}, testCipher(t), nil, RefresherConfig{})

	if r.config.HTTPClient == nil {
		t.Fatal("expected default HTTP client")
	}
	if r.config.HTTPClient.Timeout != DefaultRequestTimeout {
		t.Errorf("timeout = %v, want %v", r.config.HTTPClient.Timeout, DefaultRequestTimeout)
	}
}

func TestAccessSecret_ConcurrentCallsRefreshOnce(t *testing.T) {
	var refreshCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCount, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cipher := testCipher(t)
	repo := &mockCredentialRepo{
		cred: &model.Credential{
			UserID:        "user-1",
			AccessSecret:  encrypt(t, cipher, "stale-token"),
			RefreshSecret: encrypt(t, cipher, "refresh-token"),
			ExpiresAt:     time.Now().Add(-time.Minute),
		},
	}

	r := NewRefresher(repo, cipher, nil, RefresherConfig{TokenURL: server.URL})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.AccessSecret(context.Background(), "user-1"); err != nil {
				t.Errorf("AccessSecret failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// 直列化により最初の1回だけがプロバイダーに到達する
	if got := atomic.LoadInt32(&refreshCount); got != 1 {
		t.Errorf("refresh count = %d, want 1", got)
	}
}
