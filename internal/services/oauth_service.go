package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubAPIBaseURL  = "https://api.github.com"

	maxProfileBody = 1 << 20
)

// OAuthProviderConfig configures one provider. Endpoint and ProfileURL
// default to the provider's public endpoints when empty.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	ProfileURL   string
}

type OAuthServiceConfig struct {
	// PublicURL is the externally visible base URL; callbacks are
	// PublicURL/auth/oauth/{provider}/callback.
	PublicURL string
	Google    OAuthProviderConfig
	GitHub    OAuthProviderConfig
}

type oauthProvider struct {
	config     *oauth2.Config
	profileURL string
}

// OAuthService runs the authorization-code flow with PKCE and turns the
// provider's user info into a models.OAuthProfile. Only providers with a
// client id are enabled.
type OAuthService struct {
	providers  map[models.LoginMethod]*oauthProvider
	signer     *auth.StateSigner
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOAuthService(cfg OAuthServiceConfig, signer *auth.StateSigner, httpClient *http.Client, logger *slog.Logger) *OAuthService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	s := &OAuthService{
		providers:  make(map[models.LoginMethod]*oauthProvider),
		signer:     signer,
		httpClient: httpClient,
		logger:     logger,
	}

	if cfg.Google.ClientID != "" {
		s.providers[models.LoginMethodGoogle] = newOAuthProvider(cfg.PublicURL, models.LoginMethodGoogle, cfg.Google,
			endpoints.Google, googleUserInfoURL, []string{"openid", "email", "profile"})
	}
	if cfg.GitHub.ClientID != "" {
		s.providers[models.LoginMethodGitHub] = newOAuthProvider(cfg.PublicURL, models.LoginMethodGitHub, cfg.GitHub,
			endpoints.GitHub, githubAPIBaseURL, []string{"read:user", "user:email"})
	}
	return s
}

func newOAuthProvider(publicURL string, method models.LoginMethod, pc OAuthProviderConfig, defaultEndpoint oauth2.Endpoint, defaultProfileURL string, scopes []string) *oauthProvider {
	endpoint := pc.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = defaultEndpoint
	}
	profileURL := pc.ProfileURL
	if profileURL == "" {
		profileURL = defaultProfileURL
	}
	return &oauthProvider{
		config: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  strings.TrimRight(publicURL, "/") + "/auth/oauth/" + method.String() + "/callback",
			Scopes:       scopes,
		},
		profileURL: profileURL,
	}
}

// Enabled reports whether provider is configured.
func (s *OAuthService) Enabled(provider models.LoginMethod) bool {
	_, ok := s.providers[provider]
	return ok
}

// AuthCodeURL returns the provider redirect URL and the signed state that
// must be stored in the oauth_state cookie.
func (s *OAuthService) AuthCodeURL(provider models.LoginMethod) (string, string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", "", models.ErrNotFound
	}

	verifier := oauth2.GenerateVerifier()
	state, _, err := s.signer.Sign(provider, verifier)
	if err != nil {
		s.logger.Error("failed to sign oauth state", slog.Any("error", err))
		return "", "", models.ErrInternalServer
	}

	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), state, nil
}

// Exchange validates the callback state against the cookie, redeems code
// and fetches the user's profile.
func (s *OAuthService) Exchange(ctx context.Context, provider models.LoginMethod, stateCookie, stateParam, code string) (*models.OAuthProfile, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, models.ErrNotFound
	}
	if stateCookie == "" || code == "" || !pkgauth.ConstantTimeEqual(stateCookie, stateParam) {
		return nil, models.ErrUnauthorized
	}
	claims, err := s.signer.Verify(stateParam, provider)
	if err != nil {
		return nil, models.ErrUnauthorized
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(claims.CodeVerifier))
	if err != nil {
		s.logger.Warn("oauth code exchange failed", slog.String("provider", provider.String()), slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	client := p.config.Client(ctx, token)
	var profile *models.OAuthProfile
	switch provider {
	case models.LoginMethodGoogle:
		profile, err = fetchGoogleProfile(ctx, client, p.profileURL)
	case models.LoginMethodGitHub:
		profile, err = fetchGitHubProfile(ctx, client, p.profileURL)
	default:
		return nil, models.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to fetch oauth profile", slog.String("provider", provider.String()), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return profile, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxProfileBody)).Decode(v)
}

func fetchGoogleProfile(ctx context.Context, client *http.Client, url string) (*models.OAuthProfile, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := getJSON(ctx, client, url, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, errors.New("google profile has no subject")
	}
	return &models.OAuthProfile{
		Provider:       models.LoginMethodGoogle,
		ProviderUserID: info.Sub,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified,
		Name:           info.Name,
		AvatarURL:      info.Picture,
	}, nil
}

// fetchGitHubProfile reads /user and then /user/emails, since the public
// profile email is optional and carries no verification flag.
func fetchGitHubProfile(ctx context.Context, client *http.Client, baseURL string) (*models.OAuthProfile, error) {
	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := getJSON(ctx, client, baseURL+"/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, errors.New("github profile has no id")
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, baseURL+"/user/emails", &emails); err != nil {
		return nil, err
	}

	profile := &models.OAuthProfile{
		Provider:       models.LoginMethodGitHub,
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Name:           user.Name,
		AvatarURL:      user.AvatarURL,
	}
	if profile.Name == "" {
		profile.Name = user.Login
	}
	for _, e := range emails {
		if e.Primary {
			profile.Email = e.Email
			profile.EmailVerified = e.Verified
			break
		}
	}
	return profile, nil
}
