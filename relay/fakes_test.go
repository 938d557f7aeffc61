package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"mailforward/mailbox"
)

type fakeMessage struct {
	raw      string
	fetchErr error
}

type fakeAccount struct {
	openErr   error
	selectErr error
	searchErr error
	messages  map[mailbox.ID]fakeMessage
	order     []mailbox.ID
}

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	sessions []*fakeSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[string]*fakeAccount)}
}

func (s *fakeStore) add(user string, acct *fakeAccount) mailbox.Account {
	s.accounts[user] = acct
	return mailbox.Account{Server: "imap.example.com", Username: user, Password: "secret"}
}

func (s *fakeStore) Open(ctx context.Context, acct mailbox.Account) (mailbox.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fa, ok := s.accounts[acct.Username]
	if !ok {
		return nil, fmt.Errorf("no such account %s", acct.Username)
	}
	if fa.openErr != nil {
		return nil, fa.openErr
	}
	sess := &fakeSession{acct: fa}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

type fakeSession struct {
	acct      *fakeAccount
	selected  string
	readOnly  bool
	closed    bool
	loggedOut bool
	fetched   []mailbox.ID
}

func (s *fakeSession) Select(name string, readOnly bool) error {
	if s.acct.selectErr != nil {
		return s.acct.selectErr
	}
	s.selected = name
	s.readOnly = readOnly
	return nil
}

func (s *fakeSession) SearchUnseen() ([]mailbox.ID, error) {
	if s.acct.searchErr != nil {
		return nil, s.acct.searchErr
	}
	return s.acct.order, nil
}

func (s *fakeSession) FetchFull(id mailbox.ID) ([]byte, error) {
	s.fetched = append(s.fetched, id)
	m, ok := s.acct.messages[id]
	if !ok {
		return nil, errors.Errorf("no message %d", id)
	}
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return []byte(m.raw), nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) Logout() error {
	s.loggedOut = true
	return nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	docs []string
	fail func(doc string) error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, doc string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(doc); err != nil {
			return err
		}
	}
	d.docs = append(d.docs, doc)
	return nil
}

func (d *fakeDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.docs...)
}

func plainMessage(from, subject, body string) string {
	return "From: " + from + "\r\nTo: me@example.com\r\nSubject: " + subject + "\r\n\r\n" + body + "\r\n"
}
