// Package smtp implements an SMTP submission listener that feeds accepted
// messages into the dispatch pipeline.
//
// Clients authenticate with AUTH PLAIN, using their user id or email as
// the username and a session token as the password. Each message then
// goes through the same quota, sender policy and record lifecycle as an
// HTTP send.
package smtp

import (
	"errors"
	"strings"

	"github.com/shineum/mail-dispatch/internal/dispatch"
)

var errAuthFailed = errors.New("authentication failed")

// TokenVerifier turns a session token into an actor.
type TokenVerifier interface {
	Verify(token string) (dispatch.Actor, error)
}

// Authenticator handles SMTP AUTH verification against session tokens.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator creates an Authenticator backed by v.
func NewAuthenticator(v TokenVerifier) *Authenticator {
	return &Authenticator{verifier: v}
}

// Verify checks an AUTH PLAIN username and token pair. The username must
// name the token's subject, either by id or by email.
func (a *Authenticator) Verify(username, token string) (dispatch.Actor, error) {
	if a.verifier == nil || token == "" {
		return dispatch.Actor{}, errAuthFailed
	}
	actor, err := a.verifier.Verify(token)
	if err != nil {
		return dispatch.Actor{}, errAuthFailed
	}
	if username != actor.ID && !strings.EqualFold(username, actor.Email) {
		return dispatch.Actor{}, errAuthFailed
	}
	return actor, nil
}
