package blob

import "time"

// Attachment describes one non-inline-text MIME part. ContentID refers
// to an RFC 2392 Content-ID, used by the renderer to resolve cid: URLs
// in the sanitized HTML body against DataURI for small images.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
	DataURI     string `json:"data_uri,omitempty"`
}

// ParsedMessage is the pure-function-of-bytes cache stored alongside
// the raw message. It can always be rebuilt by re-parsing raw bytes.
type ParsedMessage struct {
	Subject          string
	FromAddress      string
	ToAddresses      string
	CCAddresses      string
	DateHeader       string
	DateNormalized   *time.Time
	PlaintextBody    string
	HTMLBodySanitized string
	Attachments      []Attachment
	Snippet          string
	Partial          bool
}

// Blob is the immutable raw-message row plus its parsed cache.
type Blob struct {
	ID         string
	SHA256Hex  string
	ByteLength int
	RawBytes   []byte
	Parsed     ParsedMessage
	CreatedAt  time.Time
}

// maxMessageBytes is the default hard cap on ingested message size
// (spec default 100 MiB).
const maxMessageBytes = 100 * 1024 * 1024

// inlineImageMaxBytes bounds which attachments get a data: URI baked
// into the parsed cache for fast preview.
const inlineImageMaxBytes = 2 * 1024 * 1024
