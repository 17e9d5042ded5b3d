package rpcsurface

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/integrity"
)

type exportAuditorRequest struct {
	// Dir overrides the default timestamped export directory under the
	// archive's data directory.
	Dir string `json:"dir,omitempty"`
}

// exportAuditor handles POST /export/auditor: it writes every raw
// message grouped by account/mailbox, an index manifest, the full
// event log as CSV, and a fresh proof snapshot to disk, and returns the
// resulting file manifest. Packaging the directory into a single ZIP
// for handoff is left to the external shell.
func (s *Server) exportAuditor(c echo.Context) error {
	var req exportAuditorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	dir := req.Dir
	if dir == "" {
		dir = defaultExportDir(s.app.DataDir())
	}

	result, err := s.app.Exporter.Export(dir)
	if err != nil {
		return fail(c, err)
	}
	return created(c, result)
}

func defaultExportDir(dataDir string) string {
	return integrity.Timestamped(dataDir, time.Now())
}

type exportDocumentationRequest struct {
	// SourcePath is a procedural-documentation file already rendered by
	// the external shell (e.g. a localized Verfahrensdokumentation PDF
	// or markdown export). The core does not generate this content; it
	// only records that a documentation artifact was produced and at
	// what path.
	SourcePath string `json:"source_path"`
}

// exportDocumentation handles POST /export/documentation: it records a
// documentation_generated event referencing an already-rendered
// procedural-documentation file. Template rendering and localization
// remain the external shell's responsibility per spec.md §1.
func (s *Server) exportDocumentation(c echo.Context) error {
	var req exportDocumentationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SourcePath == "" {
		return badRequest(c, "source_path is required")
	}

	detail := map[string]any{"source_path": req.SourcePath}
	evt, err := s.app.Events.Append(nil, eventlog.KindDocumentationGenerated, nil, nil, detail)
	if err != nil {
		return fail(c, err)
	}
	return created(c, evt)
}

// runIntegrityCheck handles GET /integrity: re-runs the hash-chain
// verifier and coverage-gap detector on demand, the same checks run
// automatically at startup.
func (s *Server) runIntegrityCheck(c echo.Context) error {
	report, err := s.app.Integrity.RunStartupChecks()
	if err != nil {
		return fail(c, err)
	}
	return ok(c, report)
}
