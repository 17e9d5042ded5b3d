package imap

import "github.com/emersion/go-sasl"

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Microsoft 365 in place of AUTHENTICATE PLAIN.
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client returns a sasl.Client for the non-standard XOAUTH2
// mechanism: "user=<username>\x01auth=Bearer <token>\x01\x01".
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte("user=" + c.username + "\x01auth=Bearer " + c.accessToken + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the server's error challenge, if any, by responding
// with an empty message so the server can complete the exchange with
// a final failure response rather than stalling.
func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	return []byte{}, nil
}
