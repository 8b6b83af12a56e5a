package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/compare"
	"github.com/ShalakaSonawane1/vendorscope/internal/crawler"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultJobLimit = 20
	maxNameLength   = 255
)

// handleHealth reports database and vector index health.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{Status: "healthy", Database: "healthy", VectorIndex: "healthy", Version: s.config.Version}
	status := http.StatusOK

	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Database = "unhealthy: " + err.Error()
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if s.deps.Index == nil {
		resp.VectorIndex = "unknown"
	} else if err := s.deps.Index.Health(ctx); err != nil {
		resp.VectorIndex = "unhealthy: " + err.Error()
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) handleListVendors(c echo.Context) error {
	page, err := intParam(c, "page", 1, 1, 0)
	if err != nil {
		return err
	}
	pageSize, err := intParam(c, "page_size", defaultPageSize, 1, maxPageSize)
	if err != nil {
		return err
	}

	filter, err := vendorFilter(c)
	if err != nil {
		return s.fail(c, err)
	}

	vendors, total, err := s.deps.Store.ListVendors(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return s.fail(c, err)
	}
	if vendors == nil {
		vendors = []store.Vendor{}
	}
	return c.JSON(http.StatusOK, VendorList{
		Vendors:    vendors,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

// handleCreateVendor registers a vendor and queues its first crawl.
func (s *Server) handleCreateVendor(c echo.Context) error {
	var req CreateVendorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	v, err := s.vendorFromRequest(req)
	if err != nil {
		return s.fail(c, err)
	}

	ctx := c.Request().Context()
	if err := s.deps.Store.CreateVendor(ctx, v); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.fail(c, apperr.Conflict("vendors.create", "vendor with domain '%s' already exists", v.Domain))
		}
		return s.fail(c, err)
	}

	if _, _, err := s.deps.Crawls.Trigger(ctx, v.ID, store.TriggerCreated); err != nil {
		// The vendor exists; the periodic sweep or a manual trigger can still crawl it.
		s.logger.Warn("queueing initial crawl", zap.String("vendor_id", v.ID), zap.Error(err))
	}

	created, err := s.deps.Store.GetVendor(ctx, v.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) vendorFromRequest(req CreateVendorRequest) (*store.Vendor, error) {
	const op = "vendors.create"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation(op, "name is required")
	}
	if len(name) > maxNameLength {
		return nil, apperr.Validation(op, "name must be at most %d characters", maxNameLength)
	}

	domain, err := crawler.NormalizeDomain(req.Domain)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	vendorType := strings.ToLower(strings.TrimSpace(req.VendorType))
	if vendorType == "" {
		vendorType = "other"
	}
	if !VendorTypes[vendorType] {
		return nil, apperr.Validation(op, "unknown vendor_type %q", req.VendorType)
	}

	seeds, err := crawler.NewScope(domain, s.config.AllowedSeedHosts).CheckSeeds(req.SeedURLs)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	frequency := crawlFrequencyDays(req.IsCritical)
	return &store.Vendor{
		Name:               name,
		Domain:             domain,
		VendorType:         vendorType,
		Description:        strings.TrimSpace(req.Description),
		IsCritical:         req.IsCritical,
		IsActive:           true,
		SeedURLs:           seeds,
		CrawlFrequencyDays: frequency,
	}, nil
}

// crawlFrequencyDays is the recrawl period a vendor gets by criticality.
func crawlFrequencyDays(critical bool) int {
	if critical {
		return 7
	}
	return 30
}

// vendorFilter reads the optional list filters from the query string.
func vendorFilter(c echo.Context) (store.VendorFilter, error) {
	const op = "vendors.list"
	f := store.VendorFilter{Search: strings.TrimSpace(c.QueryParam("search"))}

	if raw := c.QueryParam("vendor_type"); raw != "" {
		f.VendorType = strings.ToLower(strings.TrimSpace(raw))
		if !VendorTypes[f.VendorType] {
			return f, apperr.Validation(op, "unknown vendor_type %q", raw)
		}
	}
	if raw := c.QueryParam("risk_level"); raw != "" {
		f.RiskLevel = store.RiskLevel(strings.ToLower(strings.TrimSpace(raw)))
		if !RiskLevels[f.RiskLevel] {
			return f, apperr.Validation(op, "unknown risk_level %q", raw)
		}
	}
	if raw := c.QueryParam("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, apperr.Validation(op, "is_active must be true or false")
		}
		f.IsActive = &active
	}
	return f, nil
}

// handleUpdateVendor changes the fields present in the body. The domain is
// fixed; seed URLs are re-checked against it and a change of criticality
// moves the crawl schedule to the new frequency.
func (s *Server) handleUpdateVendor(c echo.Context) error {
	const op = "vendors.update"

	var req UpdateVendorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	current, err := s.vendor(c)
	if err != nil {
		return err
	}

	u := store.VendorUpdate{IsActive: req.IsActive, IsCritical: req.IsCritical}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return s.fail(c, apperr.Validation(op, "name must not be empty"))
		}
		if len(name) > maxNameLength {
			return s.fail(c, apperr.Validation(op, "name must be at most %d characters", maxNameLength))
		}
		u.Name = &name
	}
	if req.Description != nil {
		desc := strings.TrimSpace(*req.Description)
		u.Description = &desc
	}
	if req.VendorType != nil {
		vendorType := strings.ToLower(strings.TrimSpace(*req.VendorType))
		if !VendorTypes[vendorType] {
			return s.fail(c, apperr.Validation(op, "unknown vendor_type %q", *req.VendorType))
		}
		u.VendorType = &vendorType
	}
	if req.SeedURLs != nil {
		seeds, err := crawler.NewScope(current.Domain, s.config.AllowedSeedHosts).CheckSeeds(*req.SeedURLs)
		if err != nil {
			return s.fail(c, apperr.Validation(op, "%v", err))
		}
		u.SeedURLs = &seeds
	}
	if req.IsCritical != nil && *req.IsCritical != current.IsCritical {
		frequency := crawlFrequencyDays(*req.IsCritical)
		u.CrawlFrequencyDays = &frequency
		if current.LastCrawledAt != nil {
			next := current.LastCrawledAt.AddDate(0, 0, frequency)
			u.NextCrawlScheduledAt = &next
		}
	}

	updated, err := s.deps.Store.UpdateVendor(c.Request().Context(), current.ID, u)
	if errors.Is(err, store.ErrNotFound) {
		return s.fail(c, apperr.NotFound(op, "vendor not found"))
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleGetVendor(c echo.Context) error {
	v, err := s.vendor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// handleDeleteVendor removes a vendor with its documents and index partition.
func (s *Server) handleDeleteVendor(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := s.deps.Store.DeleteVendor(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.fail(c, apperr.NotFound("vendors.delete", "vendor not found"))
		}
		return s.fail(c, err)
	}
	if s.deps.Index != nil {
		if err := s.deps.Index.DeleteVendor(ctx, id); err != nil {
			// Orphaned entries are never served: retrieval resolves chunks through the store.
			s.logger.Warn("dropping vendor index partition", zap.String("vendor_id", id), zap.Error(err))
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// handleTriggerCrawl queues a manual crawl. A vendor that already has an
// active crawl gets the existing job back with status already_running.
func (s *Server) handleTriggerCrawl(c echo.Context) error {
	id := c.Param("id")
	job, created, err := s.deps.Crawls.Trigger(c.Request().Context(), id, store.TriggerManual)
	if err != nil {
		return s.fail(c, err)
	}

	resp := CrawlResponse{JobID: job.ID, VendorID: id, Status: "queued", Message: "Crawl job queued"}
	if !created {
		resp.Status = "already_running"
		resp.Message = "A crawl is already queued or running for this vendor"
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	v, err := s.vendor(c)
	if err != nil {
		return err
	}
	docs, err := s.deps.Store.ListDocuments(c.Request().Context(), v.ID, true)
	if err != nil {
		return s.fail(c, err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return c.JSON(http.StatusOK, DocumentList{Documents: docs, Total: len(docs)})
}

func (s *Server) handleListJobs(c echo.Context) error {
	v, err := s.vendor(c)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", defaultJobLimit, 1, maxPageSize)
	if err != nil {
		return err
	}
	jobs, err := s.deps.Store.ListJobs(c.Request().Context(), v.ID, limit)
	if err != nil {
		return s.fail(c, err)
	}
	if jobs == nil {
		jobs = []store.CrawlJob{}
	}
	return c.JSON(http.StatusOK, JobList{Jobs: jobs})
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	includeSources := req.IncludeSources == nil || *req.IncludeSources
	ans, err := s.deps.Answers.Ask(c.Request().Context(), rag.Request{
		Query:                 req.Query,
		VendorIDs:             req.VendorIDs,
		IncludeSources:        includeSources,
		IncludeRiskAssessment: req.IncludeRiskAssessment,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ans)
}

func (s *Server) handleCompare(c echo.Context) error {
	var req CompareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.deps.Comparisons.Compare(c.Request().Context(), compare.Request{
		VendorIDs: req.VendorIDs,
		Aspects:   req.ComparisonAspects,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// vendor loads the vendor named by the :id path parameter.
func (s *Server) vendor(c echo.Context) (*store.Vendor, error) {
	v, err := s.deps.Store.GetVendor(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.fail(c, apperr.NotFound("vendors.get", "vendor not found"))
	}
	if err != nil {
		return nil, s.fail(c, err)
	}
	return v, nil
}

// intParam parses an optional integer query parameter. A zero hi means no
// upper bound.
func intParam(c echo.Context, name string, def, lo, hi int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi > 0 && n > hi) {
		if hi > 0 {
			return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
		}
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be at least "+strconv.Itoa(lo))
	}
	return n, nil
}
