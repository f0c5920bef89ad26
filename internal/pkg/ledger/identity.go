package ledger

import (
	"fmt"
	"strings"
)

type IdentityKind string

const (
	KindGuest IdentityKind = "guest"
	KindUser  IdentityKind = "user"
)

// Identity is the credit owner of a request: a guest carrying its signed
// token, or an authenticated user row.
type Identity struct {
	Kind       IdentityKind
	UserID     uint
	GuestToken string
}

func Guest(token string) Identity {
	return Identity{Kind: KindGuest, GuestToken: token}
}

func User(id uint) Identity {
	return Identity{Kind: KindUser, UserID: id}
}

func (i Identity) IsGuest() bool {
	return i.Kind != KindUser
}

func (i Identity) String() string {
	if i.IsGuest() {
		return "guest"
	}
	return fmt.Sprintf("user:%d", i.UserID)
}

// DebitPolicy decides when a job is charged.
type DebitPolicy string

const (
	// DebitEager charges at submission, before the provider is contacted.
	DebitEager DebitPolicy = "eager"
	// DebitOnSuccess charges when the job is finalized.
	DebitOnSuccess DebitPolicy = "on_success"
)

func ParseDebitPolicy(s string) (DebitPolicy, error) {
	switch DebitPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DebitEager:
		return DebitEager, nil
	case DebitOnSuccess:
		return DebitOnSuccess, nil
	default:
		return "", fmt.Errorf("unknown debit policy %q", s)
	}
}

// Policies holds the debit policy per identity kind.
type Policies struct {
	Guest DebitPolicy
	User  DebitPolicy
}

// DefaultPolicies charges guests up front and users on success.
var DefaultPolicies = Policies{Guest: DebitEager, User: DebitOnSuccess}

func (p Policies) For(id Identity) DebitPolicy {
	if id.IsGuest() {
		return p.Guest
	}
	return p.User
}
