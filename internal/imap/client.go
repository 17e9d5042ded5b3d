// Package imap provides a read-only IMAP4rev1 client for the archive's
// sync engine. Every remote operation is non-mutating: messages are
// listed, selected, and fetched with BODY.PEEK[] so the archive never
// sets \Seen or any other flag on the origin mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/logging"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation, since go-imap v2 does not enforce its own timeouts.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// SecurityType represents the connection security method. Only TLS
// from the first byte is accepted: the archive exposes no STARTTLS
// upgrade path, so a plaintext or STARTTLS account configuration fails
// with UnsupportedSecurityMode instead of silently downgrading or
// briefly speaking IMAP in the clear before the upgrade.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Login authenticates.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// ClientConfig holds the configuration for connecting to an IMAP server.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps the go-imap client with read-only archive semantics.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient creates a new IMAP client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("imap"),
	}
}

// Connect establishes a connection to the IMAP server. Only TLS is
// accepted: STARTTLS is rejected alongside plaintext, since the
// archive never exposes an upgrade path that speaks IMAP in the clear
// even briefly.
func (c *Client) Connect() error {
	if c.config.Security != SecurityTLS {
		return archiveerr.New(archiveerr.KindUnsupportedSecurity,
			fmt.Sprintf("security mode %q is not supported: archive connections must be TLS from the first byte", c.config.Security))
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("security", string(c.config.Security)).
		Dur("readTimeout", c.config.ReadTimeout).
		Msg("Connecting to IMAP server")

	options := &imapclient.Options{}

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: c.config.Host}
	}
	rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if dialErr != nil {
		return fmt.Errorf("failed to connect with TLS: %w", dialErr)
	}
	wrappedConn := &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
	c.client = imapclient.New(wrappedConn, options)

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("failed to receive greeting: %w", err)
	}

	c.caps = c.client.Caps()

	c.log.Debug().Strs("caps", capsToStrings(c.caps)).Msg("Server capabilities")
	c.log.Info().Str("host", c.config.Host).Msg("Connected to IMAP server")

	return nil
}

func capsToStrings(caps imap.CapSet) []string {
	var result []string
	for cap := range caps {
		result = append(result, string(cap))
	}
	return result
}

// Login authenticates with the IMAP server using LOGIN, AUTHENTICATE
// PLAIN, or XOAUTH2 depending on config and server capabilities.
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	authType := c.config.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	c.log.Debug().Str("username", c.config.Username).Str("authType", string(authType)).Msg("Logging in")

	var err error
	switch authType {
	case AuthTypeOAuth2:
		err = c.loginOAuth2()
	default:
		err = c.loginPassword()
	}
	if err != nil {
		return err
	}

	c.caps = c.client.Caps()
	c.log.Info().Str("username", c.config.Username).Msg("Logged in successfully")

	return nil
}

// loginPassword authenticates using LOGIN, falling back to AUTHENTICATE
// PLAIN only when the server advertises LOGINDISABLED. A failed
// AUTHENTICATE can corrupt the wire state and block a LOGIN retry, so
// LOGIN stays the default.
func (c *Client) loginPassword() error {
	if c.caps.Has(imap.CapLoginDisabled) {
		c.log.Debug().Msg("LOGIN disabled, using AUTHENTICATE PLAIN")
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	}

	c.log.Debug().Msg("Using LOGIN command")
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// loginOAuth2 authenticates using the XOAUTH2 SASL mechanism.
func (c *Client) loginOAuth2() error {
	if c.config.AccessToken == "" {
		return fmt.Errorf("OAuth2 authentication requires an access token")
	}

	c.log.Debug().Msg("Authenticating with XOAUTH2")
	saslClient := NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("XOAUTH2 authentication failed: %w", err)
	}
	return nil
}

// Close logs out gracefully and closes the underlying connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.log.Debug().Msg("Closing IMAP connection")
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("Logout failed, closing anyway")
	}
	return c.client.Close()
}

// ForceClose closes the underlying connection immediately, skipping the
// LOGOUT round-trip. Used by the pool when a connection is already
// known to be dead or unhealthy, where waiting on a graceful logout
// would just stall on a closed socket.
func (c *Client) ForceClose() error {
	if c.client == nil {
		return nil
	}
	c.log.Debug().Msg("Force closing IMAP connection")
	return c.client.Close()
}

// Caps returns the server capabilities.
func (c *Client) Caps() imap.CapSet {
	return c.caps
}

// HasCap checks if the server supports a capability.
func (c *Client) HasCap(cap imap.Cap) bool {
	return c.caps.Has(cap)
}

// SupportsQResync returns true if the server supports QRESYNC.
func (c *Client) SupportsQResync() bool {
	return c.caps.Has(imap.CapQResync)
}

// SupportsCondStore returns true if the server supports CONDSTORE.
func (c *Client) SupportsCondStore() bool {
	return c.caps.Has(imap.CapCondStore)
}

// Mailbox represents an IMAP mailbox (folder) as seen from the wire.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string

	UIDValidity   uint32
	UIDNext       uint32
	Messages      uint32
	HighestModSeq uint64
}

// ListMailboxes returns every mailbox the account exposes.
func (c *Client) ListMailboxes() ([]*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	c.log.Debug().Msg("Listing mailboxes")

	listCmd := c.client.List("", "*", nil)

	var mailboxes []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}

		mb := &Mailbox{
			Name:       mbox.Mailbox,
			Delimiter:  string(mbox.Delim),
			Attributes: make([]string, len(mbox.Attrs)),
		}
		for i, attr := range mbox.Attrs {
			mb.Attributes[i] = string(attr)
		}

		mailboxes = append(mailboxes, mb)
	}

	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	c.log.Debug().Int("count", len(mailboxes)).Msg("Listed mailboxes")
	return mailboxes, nil
}

// SelectMailbox selects a mailbox and returns its status. Select is run
// in a goroutine so ctx cancellation can interrupt an otherwise
// unbounded Wait().
func (c *Client) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	c.log.Debug().Str("mailbox", name).Msg("Selecting mailbox")

	type selectResult struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan selectResult, 1)
	go func() {
		data, err := c.client.Select(name, nil).Wait()
		resultCh <- selectResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to select mailbox: %w", result.err)
		}

		mb := &Mailbox{
			Name:        name,
			UIDValidity: result.data.UIDValidity,
			UIDNext:     uint32(result.data.UIDNext),
			Messages:    result.data.NumMessages,
		}
		if result.data.HighestModSeq != 0 {
			mb.HighestModSeq = result.data.HighestModSeq
		}

		c.log.Debug().
			Str("mailbox", name).
			Uint32("messages", result.data.NumMessages).
			Uint32("uidValidity", result.data.UIDValidity).
			Msg("Selected mailbox")

		return mb, nil
	}
}

// GetMailboxStatus returns mailbox status without selecting it.
func (c *Client) GetMailboxStatus(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	options := &imap.StatusOptions{
		NumMessages: true,
		UIDNext:     true,
		UIDValidity: true,
	}
	if c.SupportsCondStore() {
		options.HighestModSeq = true
	}

	type statusResult struct {
		data *imap.StatusData
		err  error
	}
	resultCh := make(chan statusResult, 1)
	go func() {
		data, err := c.client.Status(name, options).Wait()
		resultCh <- statusResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to get mailbox status: %w", result.err)
		}

		mb := &Mailbox{Name: name}
		if result.data.UIDValidity != 0 {
			mb.UIDValidity = result.data.UIDValidity
		}
		if result.data.UIDNext != 0 {
			mb.UIDNext = uint32(result.data.UIDNext)
		}
		if result.data.NumMessages != nil {
			mb.Messages = *result.data.NumMessages
		}
		if result.data.HighestModSeq != 0 {
			mb.HighestModSeq = result.data.HighestModSeq
		}
		return mb, nil
	}
}

// SearchUIDsSince returns every UID in the selected mailbox greater
// than lastUID, in ascending order. The mailbox must already be
// selected.
func (c *Client) SearchUIDsSince(ctx context.Context, lastUID uint32) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	criteria := &imap.SearchCriteria{}
	criteria.UID = []imap.UIDSet{uidRangeFrom(lastUID + 1)}

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("UID search failed: %w", result.err)
		}
		return result.data.AllUIDs(), nil
	}
}

func uidRangeFrom(start uint32) imap.UIDSet {
	set := imap.UIDSet{}
	if start == 0 {
		start = 1
	}
	set.AddRange(imap.UID(start), 0)
	return set
}

// FetchedMessage is one BODY.PEEK[] fetch result: the raw RFC 5322
// bytes plus the metadata the archive needs to locate and order it.
// Fetching never sets \Seen because BODY.PEEK[] is used in place of
// BODY[].
type FetchedMessage struct {
	UID          imap.UID
	InternalDate time.Time
	Size         uint32
	RawMessage   []byte
}

// FetchMessages streams BODY.PEEK[] fetches for the given UIDs to fn,
// one message at a time, so a caller can persist each message without
// holding the whole batch in memory and can cancel mid-batch via ctx.
func (c *Client) FetchMessages(ctx context.Context, uids []imap.UID, fn func(FetchedMessage) error) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOptions := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOptions)
	closed := false
	defer func() {
		if !closed {
			fetchCmd.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		fetched, err := collectFetchMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to read fetch response: %w", err)
		}
		if fetched == nil {
			continue
		}
		if err := fn(*fetched); err != nil {
			return err
		}
	}

	closed = true
	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

func collectFetchMessage(msg *imapclient.FetchMessageData) (*FetchedMessage, error) {
	var out FetchedMessage

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			out.UID = data.UID
		case imapclient.FetchItemDataInternalDate:
			out.InternalDate = data.Time
		case imapclient.FetchItemDataRFC822Size:
			out.Size = data.Size
		case imapclient.FetchItemDataBodySection:
			raw, err := io.ReadAll(data.Literal)
			if err != nil {
				return nil, err
			}
			out.RawMessage = raw
		}
	}

	if out.UID == 0 {
		return nil, nil
	}
	return &out, nil
}

// RawClient returns the underlying imapclient.Client for operations the
// wrapper does not cover. Use with caution.
func (c *Client) RawClient() *imapclient.Client {
	return c.client
}
