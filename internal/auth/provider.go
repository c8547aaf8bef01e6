// Package auth はIdPとのOAuth認可コードフローと、ログイン試行に紐づくstateの管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/chatauth/internal/model"
	"golang.org/x/oauth2"
)

// IdentityProvider はIdPとのやり取りのインターフェース。
type IdentityProvider interface {
	// LoginURL はstateを埋め込んだサインインURLを生成する。
	LoginURL(state string) string
	// Exchange は認可コードを資格情報とユーザー表示情報に交換する。
	// IdPが拒否した場合はmodel.ErrInvalidCredentialでラップしたエラーを返す。
	Exchange(ctx context.Context, code string) (model.Credential, model.Identity, error)
}

// OAuthConfig はOAuthプロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// HTTPClient はトークンエンドポイントへの接続に使うクライアント。nilの場合は既定のクライアント。
	HTTPClient *http.Client
}

// OAuthProvider はx/oauth2による認可コードフローを実装する。
type OAuthProvider struct {
	config *oauth2.Config
	client *http.Client
}

// idTokenClaims はid_tokenから取り出す表示用のクレーム。
type idTokenClaims struct {
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	jwt.RegisteredClaims
}

// NewOAuthProvider はOAuthProviderを生成する。
func NewOAuthProvider(config OAuthConfig) *OAuthProvider {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &OAuthProvider{
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		client: config.HTTPClient,
	}
}

// LoginURL はIdPのサインインURLを生成する。
func (p *OAuthProvider) LoginURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange は認可コードをアクセストークンに交換し、id_tokenから表示情報を取り出す。
// id_tokenはTLS越しにトークンエンドポイントから直接受け取るため署名検証は行わない。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (model.Credential, model.Identity, error) {
	if strings.TrimSpace(code) == "" {
		return model.Credential{}, model.Identity{}, fmt.Errorf("%w: empty authorization code", model.ErrInvalidCredential)
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return model.Credential{}, model.Identity{}, fmt.Errorf("%w: token endpoint rejected code: %s", model.ErrInvalidCredential, retrieveReason(re))
		}
		return model.Credential{}, model.Identity{}, fmt.Errorf("failed to exchange token: %w", err)
	}
	if tok.AccessToken == "" {
		return model.Credential{}, model.Identity{}, fmt.Errorf("%w: empty access token in response", model.ErrInvalidCredential)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return model.Credential{}, model.Identity{}, fmt.Errorf("%w: id_token missing from response", model.ErrInvalidCredential)
	}
	identity, err := parseIdentity(rawID)
	if err != nil {
		return model.Credential{}, model.Identity{}, fmt.Errorf("%w: %w", model.ErrInvalidCredential, err)
	}

	return model.NewCredential(tok.AccessToken), identity, nil
}

// parseIdentity はid_tokenのクレームから表示名とメールアドレスを取り出す。
func parseIdentity(raw string) (model.Identity, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return model.Identity{}, fmt.Errorf("failed to parse id_token: %w", err)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	if name == "" {
		name = claims.Email
	}
	if name == "" && claims.Email == "" {
		return model.Identity{}, errors.New("id_token has no name or email claim")
	}
	return model.Identity{DisplayName: name, Email: claims.Email}, nil
}

func retrieveReason(re *oauth2.RetrieveError) string {
	if re.ErrorCode != "" {
		return re.ErrorCode
	}
	return fmt.Sprintf("status %d", re.Response.StatusCode)
}

// compile-time interface check
var _ IdentityProvider = (*OAuthProvider)(nil)
