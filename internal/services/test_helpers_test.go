package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/ratelimit"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.DiscardHandler)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCodec(t *testing.T) *auth.SecretCodec {
	t.Helper()
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i + 1)
	}
	codec, err := auth.NewSecretCodec(master, nil)
	require.NoError(t, err)
	return codec
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc                         func(ctx context.Context, id string) (*models.User, error)
	GetByNormalizedEmailFunc            func(ctx context.Context, normalizedEmail string) (*models.User, error)
	CreateFunc                          func(ctx context.Context, user *models.User, method models.LoginMethod) (*models.User, error)
	AddLoginMethodFunc                  func(ctx context.Context, userID string, method models.LoginMethod) error
	MarkEmailVerifiedFunc               func(ctx context.Context, id string) error
	UpdateEmailFunc                     func(ctx context.Context, id, email, normalizedEmail string) error
	UpdateProfileFunc                   func(ctx context.Context, id, fullName string, photo *string) error
	UpdatePasswordAndRevokeSessionsFunc func(ctx context.Context, userID, passwordHash, keepSessionID string) ([]string, error)
	DeleteFunc                          func(ctx context.Context, id string) ([]string, error)
	GetLoginMethodsFunc                 func(ctx context.Context, userID string) ([]models.LoginMethod, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByNormalizedEmail(ctx context.Context, normalizedEmail string) (*models.User, error) {
	if m.GetByNormalizedEmailFunc != nil {
		return m.GetByNormalizedEmailFunc(ctx, normalizedEmail)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User, method models.LoginMethod) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user, method)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) AddLoginMethod(ctx context.Context, userID string, method models.LoginMethod) error {
	if m.AddLoginMethodFunc != nil {
		return m.AddLoginMethodFunc(ctx, userID, method)
	}
	return nil
}

func (m *MockUserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	if m.MarkEmailVerifiedFunc != nil {
		return m.MarkEmailVerifiedFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) UpdateEmail(ctx context.Context, id, email, normalizedEmail string) error {
	if m.UpdateEmailFunc != nil {
		return m.UpdateEmailFunc(ctx, id, email, normalizedEmail)
	}
	return nil
}

func (m *MockUserRepository) UpdateProfile(ctx context.Context, id, fullName string, photo *string) error {
	if m.UpdateProfileFunc != nil {
		return m.UpdateProfileFunc(ctx, id, fullName, photo)
	}
	return nil
}

func (m *MockUserRepository) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash, keepSessionID string) ([]string, error) {
	if m.UpdatePasswordAndRevokeSessionsFunc != nil {
		return m.UpdatePasswordAndRevokeSessionsFunc(ctx, userID, passwordHash, keepSessionID)
	}
	return nil, nil
}

func (m *MockUserRepository) Delete(ctx context.Context, id string) ([]string, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockUserRepository) GetLoginMethods(ctx context.Context, userID string) ([]models.LoginMethod, error) {
	if m.GetLoginMethodsFunc != nil {
		return m.GetLoginMethodsFunc(ctx, userID)
	}
	return nil, nil
}

// usersRepo returns a MockUserRepository that serves lookups from users.
func usersRepo(users ...*models.User) *MockUserRepository {
	byID := make(map[string]*models.User)
	for _, u := range users {
		byID[u.ID] = u
	}
	return &MockUserRepository{
		GetByIDFunc: func(_ context.Context, id string) (*models.User, error) {
			if u, ok := byID[id]; ok {
				return u, nil
			}
			return nil, models.ErrNotFound
		},
		GetByNormalizedEmailFunc: func(_ context.Context, email string) (*models.User, error) {
			for _, u := range byID {
				if u.NormalizedEmail == email {
					return u, nil
				}
			}
			return nil, models.ErrNotFound
		},
	}
}

// MockOAuthRepository implements OAuthRepository for testing
type MockOAuthRepository struct {
	GetByProviderIDFunc func(ctx context.Context, provider models.LoginMethod, providerUserID string) (*models.OAuthLink, error)
	CreateFunc          func(ctx context.Context, link *models.OAuthLink) error
	UpdateEmailFunc     func(ctx context.Context, provider models.LoginMethod, providerUserID, email string) error
	ListForUserFunc     func(ctx context.Context, userID string) ([]models.OAuthLink, error)
}

func (m *MockOAuthRepository) GetByProviderID(ctx context.Context, provider models.LoginMethod, providerUserID string) (*models.OAuthLink, error) {
	if m.GetByProviderIDFunc != nil {
		return m.GetByProviderIDFunc(ctx, provider, providerUserID)
	}
	return nil, models.ErrNotFound
}

func (m *MockOAuthRepository) Create(ctx context.Context, link *models.OAuthLink) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, link)
	}
	return nil
}

func (m *MockOAuthRepository) UpdateEmail(ctx context.Context, provider models.LoginMethod, providerUserID, email string) error {
	if m.UpdateEmailFunc != nil {
		return m.UpdateEmailFunc(ctx, provider, providerUserID, email)
	}
	return nil
}

func (m *MockOAuthRepository) ListForUser(ctx context.Context, userID string) ([]models.OAuthLink, error) {
	if m.ListForUserFunc != nil {
		return m.ListForUserFunc(ctx, userID)
	}
	return nil, nil
}

// MockLoginLogRepository implements LoginLogRepository for testing
type MockLoginLogRepository struct {
	mu      sync.Mutex
	Created []*models.LoginLog

	CreateFunc            func(ctx context.Context, l *models.LoginLog) error
	ListRecentForUserFunc func(ctx context.Context, userID string, limit int) ([]models.LoginLog, error)
}

func (m *MockLoginLogRepository) Create(ctx context.Context, l *models.LoginLog) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, l)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Created = append(m.Created, l)
	return nil
}

func (m *MockLoginLogRepository) ListRecentForUser(ctx context.Context, userID string, limit int) ([]models.LoginLog, error) {
	if m.ListRecentForUserFunc != nil {
		return m.ListRecentForUserFunc(ctx, userID, limit)
	}
	return nil, nil
}

// MockMFARepository implements MFARepository for testing
type MockMFARepository struct {
	EnableMFAFunc           func(ctx context.Context, userID, encryptedSecret string, encryptedCodes []string, keepSessionID string) ([]string, error)
	RotateRecoveryCodesFunc func(ctx context.Context, userID string, encryptedCodes []string) error
	DisableMFAFunc          func(ctx context.Context, userID string) error
}

func (m *MockMFARepository) EnableMFA(ctx context.Context, userID, encryptedSecret string, encryptedCodes []string, keepSessionID string) ([]string, error) {
	if m.EnableMFAFunc != nil {
		return m.EnableMFAFunc(ctx, userID, encryptedSecret, encryptedCodes, keepSessionID)
	}
	return nil, nil
}

func (m *MockMFARepository) RotateRecoveryCodes(ctx context.Context, userID string, encryptedCodes []string) error {
	if m.RotateRecoveryCodesFunc != nil {
		return m.RotateRecoveryCodesFunc(ctx, userID, encryptedCodes)
	}
	return nil
}

func (m *MockMFARepository) DisableMFA(ctx context.Context, userID string) error {
	if m.DisableMFAFunc != nil {
		return m.DisableMFAFunc(ctx, userID)
	}
	return nil
}

// fakeRecoveryCodes is an in-memory RecoveryCodeRepository.
type fakeRecoveryCodes struct {
	mu    sync.Mutex
	codes []*models.RecoveryCode
}

func (f *fakeRecoveryCodes) set(userID string, encrypted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = nil
	for i, c := range encrypted {
		f.codes = append(f.codes, &models.RecoveryCode{ID: string(rune('a' + i)), UserID: userID, Code: c})
	}
}

func (f *fakeRecoveryCodes) ListUnused(_ context.Context, userID string) ([]*models.RecoveryCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RecoveryCode
	for _, c := range f.codes {
		if c.UserID == userID && !c.Used {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRecoveryCodes) MarkUsed(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id && !c.Used {
			c.Used = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecoveryCodes) CountUnused(ctx context.Context, userID string) (int, error) {
	codes, _ := f.ListUnused(ctx, userID)
	return len(codes), nil
}

// fakeSessionRepo is an in-memory SessionRepository joined against users.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	users    UserRepository
	gets     int
}

func newFakeSessionRepo(users UserRepository) *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.Session), users: users}
}

func (f *fakeSessionRepo) Create(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionRepo) GetActiveWithUser(ctx context.Context, id string, now time.Time) (*models.SessionInfo, error) {
	f.mu.Lock()
	f.gets++
	s, ok := f.sessions[id]
	f.mu.Unlock()
	if !ok || !s.ExpiresAt.After(now) {
		return nil, models.ErrNotFound
	}
	user, err := f.users.GetByID(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	return &models.SessionInfo{
		SessionID:     s.ID,
		UserID:        user.ID,
		Email:         user.Email,
		FullName:      user.FullName,
		EmailVerified: user.EmailVerified,
		MFAEnabled:    user.MFAEnabled,
		ExpiresAt:     s.ExpiresAt,
	}, nil
}

func (f *fakeSessionRepo) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	return nil
}

func (f *fakeSessionRepo) DeleteByID(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	return ok, nil
}

func (f *fakeSessionRepo) DeleteByIDAndUser(_ context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.UserID != userID {
		return false, nil
	}
	delete(f.sessions, id)
	return true, nil
}

func (f *fakeSessionRepo) DeleteAllForUser(_ context.Context, userID, exceptID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, s := range f.sessions {
		if s.UserID == userID && id != exceptID {
			ids = append(ids, id)
			delete(f.sessions, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeSessionRepo) ListForUser(_ context.Context, userID string, now time.Time) ([]models.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SessionSummary
	for _, s := range f.sessions {
		if s.UserID == userID && s.ExpiresAt.After(now) {
			out = append(out, models.SessionSummary{ID: s.ID, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSessionRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type cacheEntry struct {
	payload   string
	expiresAt time.Time
}

// fakeSessionCache is an in-memory SessionCache with TTLs on clk.
type fakeSessionCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]cacheEntry
	getErr  error
}

func newFakeSessionCache(clk clock.Clock) *fakeSessionCache {
	return &fakeSessionCache{clock: clk, entries: make(map[string]cacheEntry)}
}

func (f *fakeSessionCache) Get(_ context.Context, id string) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", 0, f.getErr
	}
	e, ok := f.entries[id]
	now := f.clock.Now()
	if !ok || !e.expiresAt.After(now) {
		return "", 0, models.ErrNotFound
	}
	return e.payload, e.expiresAt.Sub(now), nil
}

func (f *fakeSessionCache) Set(_ context.Context, id, payload string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = cacheEntry{payload: payload, expiresAt: f.clock.Now().Add(ttl)}
	return nil
}

func (f *fakeSessionCache) Refresh(_ context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[id]; ok {
		e.expiresAt = f.clock.Now().Add(ttl)
		f.entries[id] = e
	}
	return nil
}

func (f *fakeSessionCache) Delete(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.entries, id)
	}
	return nil
}

func (f *fakeSessionCache) has(id string) bool {
	_, _, err := f.Get(context.Background(), id)
	return err == nil
}

// fakeChallengeStore is an in-memory ChallengeStore with TTLs on clk.
type fakeChallengeStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]challengeEntry
}

type challengeEntry struct {
	ch        models.MFAChallenge
	expiresAt time.Time
}

func newFakeChallengeStore(clk clock.Clock) *fakeChallengeStore {
	return &fakeChallengeStore{clock: clk, entries: make(map[string]challengeEntry)}
}

func (f *fakeChallengeStore) Create(_ context.Context, token string, ch models.MFAChallenge, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[token]; ok {
		return models.ErrConflict
	}
	f.entries[token] = challengeEntry{ch: ch, expiresAt: f.clock.Now().Add(ttl)}
	return nil
}

func (f *fakeChallengeStore) Get(_ context.Context, token string) (*models.MFAChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[token]
	if !ok || !e.expiresAt.After(f.clock.Now()) {
		return nil, models.ErrNotFound
	}
	ch := e.ch
	return &ch, nil
}

func (f *fakeChallengeStore) Delete(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[token]
	delete(f.entries, token)
	return ok, nil
}

// fakeVerificationStore is an in-memory VerificationStore.
type fakeVerificationStore struct {
	mu      sync.Mutex
	entries map[string]models.VerificationRecord
}

func newFakeVerificationStore() *fakeVerificationStore {
	return &fakeVerificationStore{entries: make(map[string]models.VerificationRecord)}
}

func (f *fakeVerificationStore) Put(_ context.Context, purpose models.VerificationPurpose, id string, rec models.VerificationRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[string(purpose)+":"+id] = rec
	return nil
}

func (f *fakeVerificationStore) Get(_ context.Context, purpose models.VerificationPurpose, id string) (*models.VerificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[string(purpose)+":"+id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeVerificationStore) Delete(_ context.Context, purpose models.VerificationPurpose, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(purpose) + ":" + id
	_, ok := f.entries[key]
	delete(f.entries, key)
	return ok, nil
}

// fakeMFAState is an in-memory MFAStateStore.
type fakeMFAState struct {
	mu      sync.Mutex
	pending map[string]string
	claimed map[string]bool
}

func newFakeMFAState() *fakeMFAState {
	return &fakeMFAState{pending: make(map[string]string), claimed: make(map[string]bool)}
}

func (f *fakeMFAState) SetPendingSecret(_ context.Context, userID, enc string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[userID] = enc
	return nil
}

func (f *fakeMFAState) GetPendingSecret(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc, ok := f.pending[userID]
	if !ok {
		return "", models.ErrNotFound
	}
	return enc, nil
}

func (f *fakeMFAState) DeletePendingSecret(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, userID)
	return nil
}

func (f *fakeMFAState) ClaimTOTPCode(_ context.Context, userID, code string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + ":" + code
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

// fakeFixedWindow is a ratelimit.Limiter counting per identifier in
// fixed buckets of window on clk.
type fakeFixedWindow struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	max    int64
	counts map[string]int64
}

func newFakeFixedWindow(clk clock.Clock, window time.Duration, max int64) *fakeFixedWindow {
	return &fakeFixedWindow{clock: clk, window: window, max: max, counts: make(map[string]int64)}
}

func (f *fakeFixedWindow) Check(_ context.Context, identifier string) (ratelimit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	bucket := now.UnixNano() / int64(f.window)
	key := identifier + ":" + time.Unix(0, bucket*int64(f.window)).String()
	f.counts[key]++
	n := f.counts[key]
	remaining := f.max - n
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:   n <= f.max,
		Current:   n,
		Remaining: remaining,
		ResetAt:   time.Unix(0, (bucket+1)*int64(f.window)).UTC(),
	}, nil
}

// MockRateLimiter implements RateLimiter for testing
type MockRateLimiter struct {
	mu     sync.Mutex
	Calls  []string
	DenyFn func(scope, identifier string) error
}

func (m *MockRateLimiter) CheckLimit(_ context.Context, scope, identifier string) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, scope+"|"+identifier)
	m.mu.Unlock()
	if m.DenyFn != nil {
		return m.DenyFn(scope, identifier)
	}
	return nil
}

// MockEmailSender records every message instead of sending it.
type MockEmailSender struct {
	mu   sync.Mutex
	Sent []sentEmail
}

type sentEmail struct {
	Kind string
	To   string
	ID   string
	Code string
}

func (m *MockEmailSender) record(kind, to, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, sentEmail{Kind: kind, To: to, ID: id, Code: code})
	return nil
}

func (m *MockEmailSender) last() sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return sentEmail{}
	}
	return m.Sent[len(m.Sent)-1]
}

func (m *MockEmailSender) SendVerificationCode(_ context.Context, to, code string, _ time.Duration) error {
	return m.record(tmplVerification, to, "", code)
}

func (m *MockEmailSender) SendMagicLink(_ context.Context, to, id, code string, _ time.Duration) error {
	return m.record(tmplMagicLink, to, id, code)
}

func (m *MockEmailSender) SendPasswordReset(_ context.Context, to, id string, _ time.Duration) error {
	return m.record(tmplPasswordReset, to, id, "")
}

func (m *MockEmailSender) SendPasswordChanged(_ context.Context, to string) error {
	return m.record(tmplPasswordChanged, to, "", "")
}

func (m *MockEmailSender) SendEmailChangeCode(_ context.Context, to, code string, _ time.Duration) error {
	return m.record(tmplEmailChange, to, "", code)
}

func (m *MockEmailSender) SendAccountDeletionCode(_ context.Context, to, code string, _ time.Duration) error {
	return m.record(tmplAccountDeletion, to, "", code)
}

func (m *MockEmailSender) SendMFAEnabled(_ context.Context, to string) error {
	return m.record(tmplMFAEnabled, to, "", "")
}

func (m *MockEmailSender) SendMFADisabled(_ context.Context, to string) error {
	return m.record(tmplMFADisabled, to, "", "")
}

// recordingPublisher captures published security events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event *models.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

var testSessionConfig = SessionStoreConfig{
	MaxLifetime:           14 * 24 * time.Hour,
	RenewalThreshold:      2 * 24 * time.Hour,
	CacheTTL:              5 * time.Minute,
	CacheRefreshThreshold: 150 * time.Second,
}

// testEnv wires every service over in-memory collaborators.
type testEnv struct {
	clock         *clock.Mock
	codec         *auth.SecretCodec
	totp          *auth.TOTPManager
	users         *MockUserRepository
	oauth         *MockOAuthRepository
	loginLogs     *MockLoginLogRepository
	mfaRepo       *MockMFARepository
	codes         *fakeRecoveryCodes
	sessionRepo   *fakeSessionRepo
	cache         *fakeSessionCache
	challenges    *fakeChallengeStore
	verifications *fakeVerificationStore
	mfaState      *fakeMFAState
	limiter       *MockRateLimiter
	email         *MockEmailSender
	events        *recordingPublisher

	sessions *SessionStore
	auditor  *SecurityAuditor
	mfa      *MFAService
	auth     *AuthService
	accounts *AccountService
}

func newTestEnv(t *testing.T, users ...*models.User) *testEnv {
	t.Helper()

	clk := clock.NewMock(testNow)
	totpManager, err := auth.NewTOTPManager("Bastion")
	require.NoError(t, err)

	env := &testEnv{
		clock:         clk,
		codec:         newTestCodec(t),
		totp:          totpManager,
		users:         usersRepo(users...),
		oauth:         &MockOAuthRepository{},
		loginLogs:     &MockLoginLogRepository{},
		mfaRepo:       &MockMFARepository{},
		codes:         &fakeRecoveryCodes{},
		cache:         newFakeSessionCache(clk),
		challenges:    newFakeChallengeStore(clk),
		verifications: newFakeVerificationStore(),
		mfaState:      newFakeMFAState(),
		limiter:       &MockRateLimiter{},
		email:         &MockEmailSender{},
		events:        &recordingPublisher{},
	}
	env.sessionRepo = newFakeSessionRepo(env.users)
	env.rewire()
	return env
}

// rewire rebuilds the services after a collaborator was swapped.
func (e *testEnv) rewire() {
	e.sessions = NewSessionStore(e.sessionRepo, e.cache, e.codec, e.clock, testSessionConfig, testLogger)
	e.auditor = NewSecurityAuditor(e.loginLogs, pkglogger.NewAuditLogger(testLogger), e.events, e.clock, testLogger)
	e.mfa = NewMFAService(MFAServiceDeps{
		Users:      e.users,
		MFARepo:    e.mfaRepo,
		Codes:      e.codes,
		Challenges: e.challenges,
		State:      e.mfaState,
		Sessions:   e.sessions,
		TOTP:       e.totp,
		Codec:      e.codec,
		Limiter:    e.limiter,
		Email:      e.email,
		Auditor:    e.auditor,
		Clock:      e.clock,
	}, MFAConfig{ChallengeTTL: 2 * time.Hour, SetupTTL: 15 * time.Minute, RecoveryCodeCount: 6}, testLogger)
	e.auth = NewAuthService(AuthServiceDeps{
		Users:         e.users,
		OAuth:         e.oauth,
		Verifications: e.verifications,
		Sessions:      e.sessions,
		MFA:           e.mfa,
		Limiter:       e.limiter,
		Auditor:       e.auditor,
	}, testLogger)
	e.accounts = NewAccountService(AccountServiceDeps{
		Users:         e.users,
		OAuth:         e.oauth,
		LoginLogs:     e.loginLogs,
		Verifications: e.verifications,
		Sessions:      e.sessions,
		Limiter:       e.limiter,
		Email:         e.email,
		Auditor:       e.auditor,
	}, testLogger)
}

// enableMFA turns MFA on for user with a fresh secret and recovery codes,
// returning the plaintext secret and codes.
func (e *testEnv) enableMFA(t *testing.T, user *models.User) (string, []string) {
	t.Helper()
	enrollment, err := e.totp.Generate(user.Email)
	require.NoError(t, err)
	enc, err := e.codec.EncryptString(enrollment.Secret, auth.PurposeTOTPSecret)
	require.NoError(t, err)
	user.MFAEnabled = true
	user.TOTPSecret = enc

	plain, encCodes, err := e.mfa.newRecoveryCodes()
	require.NoError(t, err)
	e.codes.set(user.ID, encCodes)
	return enrollment.Secret, plain
}
