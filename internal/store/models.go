package store

import "time"

// RiskLevel is a vendor's derived risk classification.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// URLStatus is the fetch status of a discovered URL.
type URLStatus string

const (
	URLPending URLStatus = "pending"
	URLFetched URLStatus = "fetched"
	URLFailed  URLStatus = "failed"
	URLSkipped URLStatus = "skipped"
)

// IndexState tracks a document version through the indexing pipeline.
type IndexState string

const (
	IndexPending IndexState = "pending"
	IndexChunked IndexState = "chunked"
	IndexIndexed IndexState = "indexed"
)

// EmbedState tracks a chunk's embedding.
type EmbedState string

const (
	EmbedPending    EmbedState = "pending"
	EmbedEmbedded   EmbedState = "embedded"
	EmbedUnembedded EmbedState = "unembedded"
)

// JobState is a crawl job's lifecycle state.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Trigger records why a crawl job was created.
type Trigger string

const (
	TriggerCreated   Trigger = "created"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
)

// Vendor is a third-party supplier whose trust documentation is tracked.
type Vendor struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Domain               string          `json:"domain"`
	VendorType           string          `json:"vendor_type"`
	Description          string          `json:"description"`
	IsCritical           bool            `json:"is_critical"`
	IsActive             bool            `json:"is_active"`
	SeedURLs             []string        `json:"seed_urls"`
	CurrentRiskLevel     RiskLevel       `json:"current_risk_level"`
	RiskSummary          string          `json:"risk_summary"`
	ComplianceStatus     map[string]bool `json:"compliance_status"`
	LastCrawledAt        *time.Time      `json:"last_crawled_at"`
	NextCrawlScheduledAt *time.Time      `json:"next_crawl_scheduled_at"`
	CrawlFrequencyDays   int             `json:"crawl_frequency_days"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`

	TotalDocuments      int `json:"total_documents"`
	DiscoveredURLsCount int `json:"discovered_urls_count"`
}

// VendorFilter narrows ListVendors. Zero fields match everything.
type VendorFilter struct {
	// Search matches a substring of the name or domain, case-insensitively.
	Search     string
	VendorType string
	RiskLevel  RiskLevel
	IsActive   *bool
}

// VendorUpdate lists the vendor fields to change. Nil fields are kept.
type VendorUpdate struct {
	Name                 *string
	Description          *string
	VendorType           *string
	IsCritical           *bool
	IsActive             *bool
	SeedURLs             *[]string
	CrawlFrequencyDays   *int
	NextCrawlScheduledAt *time.Time
}

// DiscoveredURL is a URL found under a vendor's domain.
type DiscoveredURL struct {
	VendorID     string    `json:"vendor_id"`
	URL          string    `json:"url"`
	Depth        int       `json:"depth"`
	SourceURL    string    `json:"source_url,omitempty"`
	Origin       URLOrigin `json:"origin"`
	Status       URLStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// URLOrigin records how a URL entered the crawl frontier.
type URLOrigin string

const (
	// OriginSeed is a configured seed inside the vendor's domain.
	OriginSeed URLOrigin = "seed"
	// OriginAllowedSeed is a configured seed on an allow-listed third-party
	// host such as a hosted trust center. It is the only way a URL outside
	// the vendor's domain is stored.
	OriginAllowedSeed URLOrigin = "allowed_seed"
	// OriginTrustPath is one of the well-known trust page paths.
	OriginTrustPath URLOrigin = "trust_path"
	// OriginLink was found on a crawled page.
	OriginLink URLOrigin = "link"
)

// Document is one immutable version of a fetched page.
type Document struct {
	ID                string     `json:"id"`
	VendorID          string     `json:"vendor_id"`
	URL               string     `json:"url"`
	URLHash           string     `json:"url_hash"`
	Title             string     `json:"title"`
	DocumentType      string     `json:"document_type"`
	Content           string     `json:"-"`
	ContentHash       string     `json:"content_hash"`
	Version           int        `json:"version"`
	IsLatest          bool       `json:"is_latest"`
	PreviousVersionID string     `json:"previous_version_id,omitempty"`
	HTTPStatus        int        `json:"http_status"`
	FetchedAt         time.Time  `json:"fetched_at"`
	LastCrawledAt     time.Time  `json:"last_crawled_at"`
	IndexState        IndexState `json:"index_state"`
}

// DocumentInput is a freshly fetched page handed to SaveDocument.
type DocumentInput struct {
	VendorID     string
	URL          string
	Title        string
	DocumentType string
	Content      string
	HTTPStatus   int
	FetchedAt    time.Time
}

// Chunk is a bounded span of a document version's text.
type Chunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	VendorID   string     `json:"vendor_id"`
	Index      int        `json:"chunk_index"`
	Offset     int        `json:"offset"`
	Length     int        `json:"length"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"-"`
	EmbedState EmbedState `json:"embed_state"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ChunkInput describes one chunk to persist.
type ChunkInput struct {
	Index  int
	Offset int
	Length int
	Text   string
}

// ChunkRef is a chunk joined with the document it came from.
type ChunkRef struct {
	Chunk
	DocumentURL     string
	DocumentTitle   string
	DocumentType    string
	DocumentVersion int
	IsLatest        bool
}

// JobCounters summarizes a crawl run.
type JobCounters struct {
	PagesDiscovered    int `json:"pages_discovered"`
	PagesFetched       int `json:"pages_fetched"`
	PagesFailed        int `json:"pages_failed"`
	PagesSkipped       int `json:"pages_skipped"`
	DocumentsCreated   int `json:"documents_created"`
	DocumentsUnchanged int `json:"documents_unchanged"`
}

// CrawlJob is one crawl attempt for a vendor, guarded by a lease while running.
type CrawlJob struct {
	ID             string     `json:"id"`
	VendorID       string     `json:"vendor_id"`
	State          JobState   `json:"state"`
	Trigger        Trigger    `json:"trigger"`
	Attempt        int        `json:"attempt"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
	JobCounters
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// QueryRecord is the audit trail of an answered question or comparison.
type QueryRecord struct {
	ID               string
	Kind             string
	Query            string
	VendorIDs        []string
	Citations        []string
	Confidence       string
	ProcessingTimeMS int64
	CreatedAt        time.Time
}
