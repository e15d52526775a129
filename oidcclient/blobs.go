package oidcclient

import (
	"time"

	"golang.org/x/oauth2"
)

// persisted in oauth_state, keyed by the random state parameter
type stateBlob struct {
	Verifier  string    `json:"verifier"`
	AppState  string    `json:"app_state,omitempty"`
	LoginHint string    `json:"login_hint,omitempty"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// persisted in oauth_session, keyed by subject
type sessionBlob struct {
	Issuer      string        `json:"issuer"`
	Subject     string        `json:"subject"`
	Scope       string        `json:"scope"`
	Token       *oauth2.Token `json:"token"`
	Claims      idClaims      `json:"claims"`
	CreatedAt   time.Time     `json:"created_at"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// the subset of ID token claims kept with the session
type idClaims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Email             string `json:"email,omitempty"`
}
