package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/diagnosis"
	"github.com/joelkehle/symptomatch/internal/matcher"
)

type Config struct {
	// BodyLimit uses echo's size syntax, e.g. "1M".
	BodyLimit string
}

type Server struct {
	svc    *diagnosis.Service
	logger zerolog.Logger
}

func NewServer(svc *diagnosis.Service, cfg Config, logger zerolog.Logger) *echo.Echo {
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}
	s := &Server{svc: svc, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(requestID(logger))
	e.Use(requestLogger(logger))
	e.Use(recovery(logger))
	e.Use(tracing())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	v1 := e.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/diseases", s.handleListDiseases)
	v1.GET("/diseases/:id", s.handleGetDisease)
	v1.GET("/diseases/:id/analysis", s.handleAnalysis)
	v1.GET("/search", s.handleSearch)
	v1.GET("/match", s.handleMatch)
	v1.GET("/diagnosis", s.handleDiagnosis)
	v1.POST("/diagnosis", s.handleDiagnosis)
	v1.GET("/diagnosis/report", s.handleReport)
	v1.GET("/symptom-suggestions", s.handleSuggestions)
	v1.POST("/chat", s.handleChat)
	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":                  true,
		"status":              "ok",
		"catalog_size":        s.svc.Catalog().Len(),
		"upstream_configured": s.svc.UpstreamConfigured(),
	})
}

func (s *Server) handleListDiseases(c echo.Context) error {
	page, err := intParam(c, "page")
	if err != nil {
		return err
	}
	perPage, err := intParam(c, "per_page")
	if err != nil {
		return err
	}
	p, err := s.svc.List(catalog.Kind(strings.ToLower(c.QueryParam("kind"))), page, perPage)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":          true,
		"items":       p.Items,
		"page":        p.Page,
		"per_page":    p.PerPage,
		"total":       p.Total,
		"total_pages": p.TotalPages,
	})
}

func (s *Server) handleGetDisease(c echo.Context) error {
	rec, err := s.svc.Disease(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "disease": rec})
}

func (s *Server) handleAnalysis(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	switch format {
	case "", "json", "markdown", "html":
	default:
		return diagnosis.NewInvalidInputError(fmt.Sprintf("unsupported format %q", format))
	}
	a, err := s.svc.Analyze(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(a.Markdown))
	case "html":
		return c.HTML(http.StatusOK, a.HTML)
	default:
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "analysis": a})
	}
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		q = c.QueryParam("query")
	}
	recs, err := s.svc.Search(q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "results": recs, "count": len(recs)})
}

func (s *Server) handleMatch(c echo.Context) error {
	override, err := s.matchOverride(c)
	if err != nil {
		return err
	}
	symptoms := c.QueryParam("symptoms")
	cands, err := s.svc.Match(symptoms, override)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "results": cands, "count": len(cands)})
}

// matchOverride returns nil unless the request changes a matcher option.
func (s *Server) matchOverride(c echo.Context) (*matcher.Options, error) {
	mode, split, sort := c.QueryParam("mode"), c.QueryParam("split"), c.QueryParam("sort")
	limit, err := intParam(c, "limit")
	if err != nil {
		return nil, err
	}
	if mode == "" && split == "" && sort == "" && limit == 0 {
		return nil, nil
	}
	opts := s.svc.Options().Match
	if mode != "" {
		opts.Mode = matcher.Mode(mode)
	}
	if split != "" {
		opts.Split = matcher.Split(split)
	}
	if sort != "" {
		opts.Sort = matcher.SortOrder(sort)
	}
	if limit != 0 {
		opts.Limit = limit
	}
	return &opts, nil
}

type diagnosisRequest struct {
	Symptoms catalog.StringList `json:"symptoms"`
	TopN     int                `json:"top_n"`
}

func (s *Server) handleDiagnosis(c echo.Context) error {
	var symptoms string
	var topN int
	if c.Request().Method == http.MethodPost {
		var req diagnosisRequest
		if err := decodeJSON(c, &req); err != nil {
			return err
		}
		symptoms, topN = strings.Join(req.Symptoms, ","), req.TopN
	} else {
		var err error
		symptoms = c.QueryParam("symptoms")
		if topN, err = intParam(c, "top_n"); err != nil {
			return err
		}
	}
	d, err := s.svc.Diagnose(c.Request().Context(), symptoms, topN)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":         true,
		"symptoms":   d.Symptoms,
		"candidates": d.Candidates,
		"cached":     d.Cached,
	})
}

func (s *Server) handleReport(c echo.Context) error {
	topN, err := intParam(c, "top_n")
	if err != nil {
		return err
	}
	format := strings.ToLower(c.QueryParam("format"))
	switch format {
	case "", "pdf", "markdown":
	default:
		return diagnosis.NewInvalidInputError(fmt.Sprintf("unsupported format %q", format))
	}
	withPDF := format != "markdown"
	r, err := s.svc.Report(c.Request().Context(), c.QueryParam("symptoms"), topN, withPDF)
	if err != nil {
		return err
	}
	if !withPDF {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(r.Markdown))
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="symptom-report.pdf"`)
	return c.Blob(http.StatusOK, "application/pdf", r.PDF)
}

func (s *Server) handleSuggestions(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	q := c.QueryParam("query")
	if q == "" {
		q = c.QueryParam("q")
	}
	out, err := s.svc.SuggestSymptoms(c.Request().Context(), q, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "suggestions": out})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	reply, err := s.svc.Chat(c.Request().Context(), req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "reply": reply})
}

func decodeJSON(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return he
		}
		return diagnosis.NewInvalidInputError("invalid json body")
	}
	return nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, diagnosis.NewInvalidInputError(fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		writeError(c, he.Code, codeForStatus(he.Code), msg, he.Code >= 500, "")
		return
	}
	de := diagnosis.AsError(err)
	if de.Code == diagnosis.CodeInternal {
		s.logger.Error().Err(err).Msg("internal error")
	}
	writeError(c, de.Status, de.Code, de.Message, de.Transient, de.RawResponse)
}

func writeError(c echo.Context, status int, code, message string, transient bool, raw string) {
	payload := map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      code,
			"message":   message,
			"transient": transient,
		},
	}
	if raw != "" {
		payload["raw_response"] = raw
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, payload)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return diagnosis.CodeInvalidInput
	case http.StatusNotFound:
		return diagnosis.CodeNotFound
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusServiceUnavailable:
		return diagnosis.CodeUnavailable
	default:
		return diagnosis.CodeInternal
	}
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return diagnosis.AsError(err).Status
}
