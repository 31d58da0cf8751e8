package dispatch

import (
	"github.com/shineum/mail-dispatch/internal/profile"
)

// Sender is the resolved envelope identity of a message.
type Sender struct {
	From    string
	ReplyTo string
}

// SenderPolicy decides which From and Reply-To a request may use.
// prof may be nil when the actor has no stored profile.
type SenderPolicy interface {
	ResolveSender(actor Actor, prof *profile.Profile, req *Request) (Sender, error)
}

// PolicyFor returns the policy for role.
func PolicyFor(role profile.Role) SenderPolicy {
	if role.Privileged() {
		return PrivilegedPolicy{}
	}
	return StandardPolicy{}
}

// PrivilegedPolicy lets the actor send from their assigned address or,
// failing that, their login address, and honours a requested Reply-To.
type PrivilegedPolicy struct{}

// ResolveSender implements SenderPolicy.
func (PrivilegedPolicy) ResolveSender(actor Actor, prof *profile.Profile, req *Request) (Sender, error) {
	from := assignedAddress(actor, prof)
	if from == "" {
		from = actor.Email
	}
	if from == "" {
		return Sender{}, &NoFromAddressError{UserID: actor.ID}
	}
	return Sender{From: from, ReplyTo: req.ReplyTo}, nil
}

// StandardPolicy requires an assigned sending address and ignores any
// requested Reply-To.
type StandardPolicy struct{}

// ResolveSender implements SenderPolicy.
func (StandardPolicy) ResolveSender(actor Actor, prof *profile.Profile, _ *Request) (Sender, error) {
	from := assignedAddress(actor, prof)
	if from == "" {
		return Sender{}, &NoFromAddressError{UserID: actor.ID}
	}
	return Sender{From: from}, nil
}

// assignedAddress prefers the stored profile over the session claim.
func assignedAddress(actor Actor, prof *profile.Profile) string {
	if prof != nil && prof.FromAddress != "" {
		return prof.FromAddress
	}
	return actor.FromAddress
}

// CurrentAddress is the address a user is reached at: the assigned sender
// address when one is set, else the login email.
func CurrentAddress(actor Actor, prof *profile.Profile) string {
	if addr := assignedAddress(actor, prof); addr != "" {
		return addr
	}
	return actor.Email
}
