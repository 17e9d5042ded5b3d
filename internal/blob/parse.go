package blob

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rivo/uniseg"
	"github.com/teamwork/tnef"

	// Registers charset decoders (ISO-8859-*, Windows-125x, etc.) with
	// go-message so headers and bodies in legacy encodings decode
	// instead of failing the whole parse.
	_ "github.com/emersion/go-message/charset"
)

var htmlSanitizePolicy = newSanitizePolicy()

func newSanitizePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	return p
}

// parseMessage parses raw RFC 5322 bytes into the cacheable fields
// described in spec §4.3, step 4. Parsing never mutates raw; on any
// structural failure it returns a partial result with Partial=true
// rather than an error, since a malformed message must still be
// stored (spec's MalformedMime contract).
func parseMessage(raw []byte) ParsedMessage {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ParsedMessage{Partial: true}
	}

	out := ParsedMessage{}

	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.FromAddress = formatAddress(from[0])
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		out.ToAddresses = formatAddressList(to)
	}
	if cc, err := mr.Header.AddressList("Cc"); err == nil {
		out.CCAddresses = formatAddressList(cc)
	}
	if rawDate := mr.Header.Get("Date"); rawDate != "" {
		out.DateHeader = rawDate
	}
	if date, err := mr.Header.Date(); err == nil {
		out.DateNormalized = &date
	}

	var plainBuf strings.Builder
	var htmlBuf strings.Builder
	var attachments []Attachment
	inlineImages := map[string][]byte{}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Partial = true
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				plainBuf.Write(body)
				plainBuf.WriteByte('\n')
			case strings.HasPrefix(contentType, "text/html"):
				htmlBuf.Write(body)
			default:
				_ = params
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)

			if isTNEF(filename, contentType) {
				if unpacked := unpackTNEF(body); unpacked != nil {
					attachments = append(attachments, unpacked...)
					continue
				}
			}

			att := Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(body),
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
			}
			if isImage(contentType) && len(body) <= inlineImageMaxBytes {
				att.DataURI = dataURI(contentType, body)
				if att.ContentID != "" {
					inlineImages[att.ContentID] = body
				}
			}
			attachments = append(attachments, att)
		}
	}

	out.PlaintextBody = plainBuf.String()
	if out.PlaintextBody == "" && htmlBuf.Len() > 0 {
		out.PlaintextBody = stripTags(htmlBuf.String())
	}

	if htmlBuf.Len() > 0 {
		out.HTMLBodySanitized = htmlSanitizePolicy.Sanitize(htmlBuf.String())
	}

	out.Attachments = attachments
	out.Snippet = buildSnippet(out.PlaintextBody)

	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}

func formatAddressList(addrs []*mail.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = formatAddress(a)
	}
	return strings.Join(parts, ", ")
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

func isTNEF(filename, contentType string) bool {
	lower := strings.ToLower(filename)
	return lower == "winmail.dat" || strings.Contains(strings.ToLower(contentType), "ms-tnef")
}

// unpackTNEF extracts the attachments embedded in a winmail.dat
// envelope so they appear in the manifest like any other part instead
// of a single opaque blob.
func unpackTNEF(body []byte) []Attachment {
	data, err := tnef.Decode(body)
	if err != nil {
		return nil
	}

	var out []Attachment
	for _, a := range data.Attachments {
		out = append(out, Attachment{
			Filename:    a.Title,
			ContentType: mime.TypeByExtension(a.Title),
			Size:        len(a.Data),
		})
	}
	return out
}

func dataURI(contentType string, body []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body)
}

// buildSnippet collapses whitespace and truncates to the first ~160
// user-perceived characters (graphemes), not bytes or runes, so
// combining marks and multi-codepoint emoji don't get split mid-glyph.
func buildSnippet(plaintext string) string {
	collapsed := strings.Join(strings.Fields(plaintext), " ")
	if collapsed == "" {
		return ""
	}

	gr := uniseg.NewGraphemes(collapsed)
	var b strings.Builder
	count := 0
	for gr.Next() && count < 160 {
		b.WriteString(gr.Str())
		count++
	}
	return b.String()
}

// stripTags is a crude fallback plaintext extraction used only when a
// message has an HTML part but no text/plain alternative.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
