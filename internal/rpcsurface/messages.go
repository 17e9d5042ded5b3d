package rpcsurface

import (
	"os"

	"github.com/labstack/echo/v4"
)

// searchMessages handles GET /search?q=...&account_id=...&mailbox=...&limit=&offset=
// A non-empty q with neither account_id nor mailbox set runs the FTS5
// ranked search; every other request uses the paginated, date-ordered
// listing, with a non-empty q applied there as a full-text filter.
func (s *Server) searchMessages(c echo.Context) error {
	query := c.QueryParam("q")
	accountID := c.QueryParam("account_id")
	mailboxName := c.QueryParam("mailbox")

	if query != "" && accountID == "" && mailboxName == "" {
		rows, err := s.app.Search.SearchMessages(query)
		if err != nil {
			return fail(c, err)
		}
		return ok(c, rows)
	}

	limit := parseIntParam(c, "limit", 100)
	offset := parseIntParam(c, "offset", 0)
	rows, err := s.app.Search.ListMessages(accountID, mailboxName, query, limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, rows)
}

// getMessage handles GET /messages/:id, returning the reconstructed
// message plus every mailbox location it has ever been observed at.
func (s *Server) getMessage(c echo.Context) error {
	id := c.Param("id")
	detail, err := s.app.Search.GetMessageDetail(id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, detail)
}

// exportMessageEML handles GET /messages/:id/eml, streaming the raw
// RFC 5322 bytes of one message back as a file download.
func (s *Server) exportMessageEML(c echo.Context) error {
	id := c.Param("id")
	raw, err := s.app.Blobs.RawEML(id)
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(200, "message/rfc822", raw)
}

// archiveStats handles GET /stats?account_id=...
func (s *Server) archiveStats(c echo.Context) error {
	stats, err := s.app.Search.GetArchiveStats(c.QueryParam("account_id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, stats)
}

// archiveDateRange handles GET /stats/date-range.
func (s *Server) archiveDateRange(c echo.Context) error {
	dr, err := s.app.Search.GetArchiveDateRange()
	if err != nil {
		return fail(c, err)
	}
	return ok(c, dr)
}

// listEvents handles GET /events?kind=&limit=&offset=
func (s *Server) listEvents(c echo.Context) error {
	limit := parseIntParam(c, "limit", 100)
	offset := parseIntParam(c, "offset", 0)
	rows, total, err := s.app.Search.ListEvents(c.QueryParam("kind"), limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"events": rows, "total": total})
}

// exportEventsCSV handles GET /events/export.csv, writing the full
// audit log to a temp file and streaming it back as a download.
func (s *Server) exportEventsCSV(c echo.Context) error {
	tmp, err := os.CreateTemp("", "events-*.csv")
	if err != nil {
		return fail(c, err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if err := s.app.Search.ExportEventsCSV(path); err != nil {
		return fail(c, err)
	}
	return c.Attachment(path, "events.csv")
}
