// Package oauth2 bridges consign sessions and golang.org/x/oauth2.
//
// TokenSource exposes the signed-in session to libraries that take an
// oauth2.TokenSource. SocialCredential and ExchangeCode turn the result of
// an external provider's OAuth2 flow into the credential the session
// manager's LoginWithSocial expects.
package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	xoauth2 "golang.org/x/oauth2"

	consign "github.com/chimerakang/consign-go"
)

// Source is the part of the session manager a token source needs.
// *session.Manager implements it.
type Source interface {
	Credential() *consign.Credential
	IsExpired() bool
	Refresh(ctx context.Context) (*consign.Credential, error)
}

type tokenSource struct {
	ctx context.Context
	src Source
}

// TokenSource returns an oauth2.TokenSource backed by the session. Expired
// credentials are refreshed through the session, so concurrent callers share
// one refresh. ctx bounds those refreshes.
//
// The returned tokens carry no refresh token; only the session refreshes.
func TokenSource(ctx context.Context, src Source) xoauth2.TokenSource {
	return &tokenSource{ctx: ctx, src: src}
}

func (t *tokenSource) Token() (*xoauth2.Token, error) {
	cred := t.src.Credential()
	if cred == nil {
		return nil, &consign.AuthError{Op: "token source", Kind: consign.ErrNoSession}
	}
	if t.src.IsExpired() {
		fresh, err := t.src.Refresh(t.ctx)
		if err != nil {
			return nil, err
		}
		cred = fresh
	}
	return &xoauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}

// NewClient returns an *http.Client that authenticates with the session's
// token. Unlike the transport package it does not retry on 401; use it for
// services that only need a bearer token.
func NewClient(ctx context.Context, src Source) *http.Client {
	return xoauth2.NewClient(ctx, TokenSource(ctx, src))
}

// SocialCredential converts a provider token. An OpenID Connect id_token is
// preferred over the access token.
func SocialCredential(provider string, tok *xoauth2.Token) (consign.SocialCredential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" || tok == nil {
		return consign.SocialCredential{}, &consign.AuthError{Op: "social credential", Kind: consign.ErrValidation, Message: "provider and token are required"}
	}
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		return consign.SocialCredential{Provider: provider, Credential: id}, nil
	}
	if tok.AccessToken == "" {
		return consign.SocialCredential{}, &consign.AuthError{Op: "social credential", Kind: consign.ErrValidation, Message: "provider token is empty"}
	}
	return consign.SocialCredential{Provider: provider, Credential: tok.AccessToken}, nil
}

// ExchangeCode completes a provider's authorization-code flow and returns
// the resulting credential.
func ExchangeCode(ctx context.Context, cfg *xoauth2.Config, provider, code string, opts ...xoauth2.AuthCodeOption) (consign.SocialCredential, error) {
	if code == "" {
		return consign.SocialCredential{}, &consign.AuthError{Op: "social credential", Kind: consign.ErrValidation, Message: "authorization code is required"}
	}
	// The provider's token endpoint is not ours; keep the session token off it.
	tok, err := cfg.Exchange(consign.WithoutAuth(ctx), code, opts...)
	if err != nil {
		return consign.SocialCredential{}, fmt.Errorf("consign/oauth2: exchange %s code: %w", provider, err)
	}
	return SocialCredential(provider, tok)
}
