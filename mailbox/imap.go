package mailbox

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
)

// IMAPStore opens IMAP sessions over implicit TLS.
type IMAPStore struct {
	log *zap.Logger

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// SessionTimeout bounds the whole session, login to logout.
	SessionTimeout time.Duration
	// TLSConfig overrides the client TLS settings.
	TLSConfig *tls.Config
}

func NewIMAPStore(log *zap.Logger) *IMAPStore {
	return &IMAPStore{
		log:            log,
		ConnectTimeout: DefaultConnectTimeout,
		SessionTimeout: DefaultSessionTimeout,
	}
}

// Open dials the account and logs in. The session is torn down when ctx is
// done.
func (s *IMAPStore) Open(ctx context.Context, acct Account) (Session, error) {
	addr := acct.Address()
	host, _, _ := net.SplitHostPort(addr)

	cfg := &tls.Config{ServerName: host}
	if s.TLSConfig != nil {
		cfg = s.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.ConnectTimeout},
		Config:    cfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	if s.SessionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.SessionTimeout))
	}

	c := imapclient.New(conn, nil)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	if err := c.Login(acct.Username, acct.Password).Wait(); err != nil {
		stop()
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "login to %s", addr)
		}
		return nil, &AuthError{Account: acct.Username, Err: err}
	}

	return &imapSession{
		log:  s.log.With(zap.String("server", addr)),
		c:    c,
		stop: stop,
	}, nil
}

type imapSession struct {
	log      *zap.Logger
	c        *imapclient.Client
	stop     func() bool
	readOnly bool
	selected bool
}

func (s *imapSession) Select(name string, readOnly bool) error {
	data, err := s.c.Select(name, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return errors.Wrapf(err, "SELECT %s", name)
	}
	s.readOnly = readOnly
	s.selected = true
	s.log.Debug("Selected mailbox",
		zap.String("mailbox", name),
		zap.Uint32("messages", data.NumMessages),
		zap.Bool("read_only", readOnly))
	return nil
}

func (s *imapSession) SearchUnseen() ([]ID, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "UID SEARCH UNSEEN")
	}
	uids := data.AllUIDs()
	ids := make([]ID, len(uids))
	for i, uid := range uids {
		ids[i] = ID(uid)
	}
	return ids, nil
}

// FetchFull returns the full RFC 822 message. In a read-only selection the
// \Seen flag is left alone.
func (s *imapSession) FetchFull(id ID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: s.readOnly}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	msgs, err := s.c.Fetch(imap.UIDSetNum(imap.UID(id)), opts).Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "UID FETCH %d", id)
	}
	if len(msgs) == 0 {
		return nil, errors.Errorf("message UID %d not found", id)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, errors.Errorf("message UID %d has no body", id)
	}
	return raw, nil
}

// Close leaves the selected mailbox without expunging.
func (s *imapSession) Close() error {
	if !s.selected {
		return nil
	}
	s.selected = false
	switch {
	case s.c.Caps().Has(imap.CapUnselect):
		return errors.Wrap(s.c.Unselect().Wait(), "UNSELECT")
	case s.readOnly:
		// CLOSE on a read-only mailbox expunges nothing.
		return errors.Wrap(s.c.UnselectAndExpunge().Wait(), "CLOSE")
	}
	return nil
}

func (s *imapSession) Logout() error {
	defer s.stop()
	err := s.c.Logout().Wait()
	_ = s.c.Close()
	return errors.Wrap(err, "LOGOUT")
}
