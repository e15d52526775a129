package authmw

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"
)

const (
	cookieName = "sid"
	subjectKey = "sub"

	cookieMaxAge = 60 * 60 * 24 * 14
)

// HMAC and AES keys for the session cookie, derived from the cookie secret
type cookieKeys struct {
	hash  []byte
	block []byte
}

func deriveCookieKeys(secret string) (*cookieKeys, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty cookie secret")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("authmw session cookie"))
	keys := &cookieKeys{
		hash:  make([]byte, 32),
		block: make([]byte, 32),
	}
	if _, err := io.ReadFull(kdf, keys.hash); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, keys.block); err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *cookieKeys) newStore(secure bool) *sessions.CookieStore {
	cs := sessions.NewCookieStore(k.hash, k.block)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	cs.MaxAge(cookieMaxAge)
	return cs
}

// The encrypted client-side session: only the subject of the logged in account lives here. Tokens stay server-side in the oauth_session table.
type cookieSession struct {
	sess *sessions.Session
	r    *http.Request
	w    http.ResponseWriter
}

// A missing, expired or tampered cookie yields an empty session.
func loadCookieSession(cs *sessions.CookieStore, w http.ResponseWriter, r *http.Request) *cookieSession {
	sess, err := cs.New(r, cookieName)
	if err != nil {
		sess = sessions.NewSession(cs, cookieName)
		opts := *cs.Options
		sess.Options = &opts
		sess.IsNew = true
	}
	return &cookieSession{sess: sess, r: r, w: w}
}

func (s *cookieSession) Subject() string {
	sub, _ := s.sess.Values[subjectKey].(string)
	return sub
}

func (s *cookieSession) SetSubject(subject string) {
	s.sess.Values[subjectKey] = subject
}

// Writes the Set-Cookie header; call before the response status is written.
func (s *cookieSession) Save() error {
	return s.sess.Save(s.r, s.w)
}

func (s *cookieSession) Destroy() error {
	s.sess.Values = map[interface{}]interface{}{}
	s.sess.Options.MaxAge = -1
	return s.sess.Save(s.r, s.w)
}
