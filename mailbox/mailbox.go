// Package mailbox talks to mail stores on behalf of the poll cycle.
package mailbox

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// DefaultPort is the IMAPS port used when Server names no port.
const DefaultPort = "993"

// Account is one mailbox to watch.
type Account struct {
	Server   string `yaml:"server"`
	Username string `yaml:"email"`
	Password string `yaml:"password"`
}

// Address returns Server with the default port filled in.
func (a Account) Address() string {
	if _, _, err := net.SplitHostPort(a.Server); err == nil {
		return a.Server
	}
	return net.JoinHostPort(strings.Trim(a.Server, "[]"), DefaultPort)
}

func (a Account) String() string {
	return a.Username + "@" + a.Server
}

// ID identifies a message inside a selected mailbox.
type ID uint32

// Store opens authenticated sessions.
type Store interface {
	Open(ctx context.Context, acct Account) (Session, error)
}

// Session is a logged-in connection to one account. Close leaves the selected
// mailbox and Logout ends the session; both are safe to call after errors.
type Session interface {
	Select(name string, readOnly bool) error
	SearchUnseen() ([]ID, error)
	FetchFull(id ID) ([]byte, error)
	Close() error
	Logout() error
}

// AuthError is a rejected login.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("login %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
