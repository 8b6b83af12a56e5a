package http

import "github.com/ShalakaSonawane1/vendorscope/internal/store"

// VendorTypes are the accepted vendor_type values.
var VendorTypes = map[string]bool{
	"payments":         true,
	"cloud":            true,
	"analytics":        true,
	"security":         true,
	"customer_support": true,
	"marketing":        true,
	"data_storage":     true,
	"api_service":      true,
	"other":            true,
}

// RiskLevels are the accepted risk_level filter values.
var RiskLevels = map[store.RiskLevel]bool{
	store.RiskLow:     true,
	store.RiskMedium:  true,
	store.RiskHigh:    true,
	store.RiskUnknown: true,
}

// CreateVendorRequest is the request body for POST /vendors.
type CreateVendorRequest struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	VendorType  string   `json:"vendor_type"`
	Description string   `json:"description"`
	SeedURLs    []string `json:"seed_urls"`
	IsCritical  bool     `json:"is_critical"`
}

// UpdateVendorRequest is the request body for PATCH /vendors/{id}. Absent
// fields are left unchanged.
type UpdateVendorRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	VendorType  *string   `json:"vendor_type,omitempty"`
	SeedURLs    *[]string `json:"seed_urls,omitempty"`
	IsCritical  *bool     `json:"is_critical,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
}

// VendorList is the response body for GET /vendors.
type VendorList struct {
	Vendors    []store.Vendor `json:"vendors"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
}

// CrawlResponse is the response body for POST /vendors/{id}/crawl.
type CrawlResponse struct {
	JobID    string `json:"job_id"`
	VendorID string `json:"vendor_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// DocumentList is the response body for GET /vendors/{id}/documents.
type DocumentList struct {
	Documents []store.Document `json:"documents"`
	Total     int              `json:"total"`
}

// JobList is the response body for GET /vendors/{id}/jobs.
type JobList struct {
	Jobs []store.CrawlJob `json:"jobs"`
}

// AskRequest is the request body for POST /queries/ask.
type AskRequest struct {
	Query                 string   `json:"query"`
	VendorIDs             []string `json:"vendor_ids"`
	IncludeSources        *bool    `json:"include_sources"`
	IncludeRiskAssessment *bool    `json:"include_risk_assessment"`
}

// CompareRequest is the request body for POST /queries/compare.
type CompareRequest struct {
	VendorIDs         []string `json:"vendor_ids"`
	ComparisonAspects []string `json:"comparison_aspects"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	VectorIndex string `json:"vector_index"`
	Version     string `json:"version,omitempty"`
}
