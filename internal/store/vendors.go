package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const vendorColumns = `
	v.id, v.name, v.domain, v.vendor_type, v.description, v.is_critical, v.is_active,
	v.seed_urls, v.current_risk_level, v.risk_summary, v.compliance_status,
	v.last_crawled_at, v.next_crawl_scheduled_at, v.crawl_frequency_days,
	v.created_at, v.updated_at,
	(SELECT COUNT(*) FROM documents d WHERE d.vendor_id = v.id AND d.is_latest = 1),
	(SELECT COUNT(*) FROM discovered_urls u WHERE u.vendor_id = v.id)`

// CreateVendor inserts v, assigning an id and timestamps when missing.
// A duplicate domain yields ErrConflict.
func (s *Store) CreateVendor(ctx context.Context, v *Vendor) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	now := s.timestamp()
	v.CreatedAt, v.UpdatedAt = now, now
	if v.CurrentRiskLevel == "" {
		v.CurrentRiskLevel = RiskUnknown
	}
	if v.VendorType == "" {
		v.VendorType = "other"
	}
	if v.SeedURLs == nil {
		v.SeedURLs = []string{}
	}
	if v.ComplianceStatus == nil {
		v.ComplianceStatus = map[string]bool{}
	}

	seeds, err := json.Marshal(v.SeedURLs)
	if err != nil {
		return fmt.Errorf("marshalling seed urls: %w", err)
	}
	compliance, err := json.Marshal(v.ComplianceStatus)
	if err != nil {
		return fmt.Errorf("marshalling compliance status: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, domain, vendor_type, description, is_critical, is_active,
			seed_urls, current_risk_level, risk_summary, compliance_status,
			last_crawled_at, next_crawl_scheduled_at, crawl_frequency_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Name, v.Domain, v.VendorType, v.Description, boolToInt(v.IsCritical), boolToInt(v.IsActive),
		string(seeds), string(v.CurrentRiskLevel), v.RiskSummary, string(compliance),
		formatNullableTime(v.LastCrawledAt), formatNullableTime(v.NextCrawlScheduledAt),
		v.CrawlFrequencyDays, formatTime(now), formatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("vendor domain %q: %w", v.Domain, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting vendor: %w", err)
	}
	return nil
}

// GetVendor returns a vendor with its document and URL counts.
func (s *Store) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+vendorColumns+" FROM vendors v WHERE v.id = ?", id)
	return scanVendor(row)
}

// ListVendors returns one page of vendors matching filter, newest first,
// plus the total number of matches. Pages are 1-based.
func (s *Store) ListVendors(ctx context.Context, filter VendorFilter, page, pageSize int) ([]Vendor, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	where, args := filter.clause()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vendors v"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting vendors: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+vendorColumns+" FROM vendors v"+where+" ORDER BY v.created_at DESC, v.rowid DESC LIMIT ? OFFSET ?",
		append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying vendors: %w", err)
	}
	defer rows.Close()

	vendors := make([]Vendor, 0, pageSize)
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, 0, err
		}
		vendors = append(vendors, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating vendors: %w", err)
	}
	return vendors, total, nil
}

func (f VendorFilter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Search != "" {
		pattern := "%" + likeEscaper.Replace(f.Search) + "%"
		conds = append(conds, `(v.name LIKE ? ESCAPE '\' OR v.domain LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.VendorType != "" {
		conds = append(conds, "v.vendor_type = ?")
		args = append(args, f.VendorType)
	}
	if f.RiskLevel != "" {
		conds = append(conds, "v.current_risk_level = ?")
		args = append(args, string(f.RiskLevel))
	}
	if f.IsActive != nil {
		conds = append(conds, "v.is_active = ?")
		args = append(args, boolToInt(*f.IsActive))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// UpdateVendor applies the non-nil fields of u and returns the updated vendor.
func (s *Store) UpdateVendor(ctx context.Context, id string, u VendorUpdate) (*Vendor, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.timestamp())}

	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.VendorType != nil {
		sets = append(sets, "vendor_type = ?")
		args = append(args, *u.VendorType)
	}
	if u.IsCritical != nil {
		sets = append(sets, "is_critical = ?")
		args = append(args, boolToInt(*u.IsCritical))
	}
	if u.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*u.IsActive))
	}
	if u.SeedURLs != nil {
		seeds, err := json.Marshal(*u.SeedURLs)
		if err != nil {
			return nil, fmt.Errorf("marshalling seed urls: %w", err)
		}
		sets = append(sets, "seed_urls = ?")
		args = append(args, string(seeds))
	}
	if u.CrawlFrequencyDays != nil {
		sets = append(sets, "crawl_frequency_days = ?")
		args = append(args, *u.CrawlFrequencyDays)
	}
	if u.NextCrawlScheduledAt != nil {
		sets = append(sets, "next_crawl_scheduled_at = ?")
		args = append(args, formatTime(*u.NextCrawlScheduledAt))
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE vendors SET "+strings.Join(sets, ", ")+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return nil, fmt.Errorf("updating vendor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetVendor(ctx, id)
}

// DeleteVendor removes a vendor and, by cascade, its URLs, documents, chunks and jobs.
func (s *Store) DeleteVendor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM vendors WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting vendor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVendorRisk records the outcome of a risk analysis.
func (s *Store) UpdateVendorRisk(ctx context.Context, id string, level RiskLevel, summary string, compliance map[string]bool) error {
	if compliance == nil {
		compliance = map[string]bool{}
	}
	data, err := json.Marshal(compliance)
	if err != nil {
		return fmt.Errorf("marshalling compliance status: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE vendors SET current_risk_level = ?, risk_summary = ?, compliance_status = ?, updated_at = ?
		WHERE id = ?
	`, string(level), summary, string(data), formatTime(s.timestamp()), id)
	if err != nil {
		return fmt.Errorf("updating vendor risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCrawlSchedule sets the next crawl slot and, when last is non-nil, the
// time of the last successful crawl.
func (s *Store) SetCrawlSchedule(ctx context.Context, id string, last *time.Time, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vendors SET
			last_crawled_at = COALESCE(?, last_crawled_at),
			next_crawl_scheduled_at = ?,
			updated_at = ?
		WHERE id = ?
	`, formatNullableTime(last), formatTime(next), formatTime(s.timestamp()), id)
	if err != nil {
		return fmt.Errorf("updating crawl schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueVendors returns active vendors whose next crawl slot is at or before now.
func (s *Store) DueVendors(ctx context.Context, now time.Time, limit int) ([]Vendor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+vendorColumns+`
		FROM vendors v
		WHERE v.is_active = 1 AND v.next_crawl_scheduled_at IS NOT NULL AND v.next_crawl_scheduled_at <= ?
		ORDER BY v.is_critical DESC, v.next_crawl_scheduled_at
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due vendors: %w", err)
	}
	defer rows.Close()

	var vendors []Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		vendors = append(vendors, *v)
	}
	return vendors, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVendor(row scanner) (*Vendor, error) {
	var (
		v                     Vendor
		isCritical, isActive  int
		seeds, compliance     string
		risk                  string
		lastCrawled, nextSlot sql.NullString
		created, updated      string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Domain, &v.VendorType, &v.Description, &isCritical, &isActive,
		&seeds, &risk, &v.RiskSummary, &compliance, &lastCrawled, &nextSlot, &v.CrawlFrequencyDays,
		&created, &updated, &v.TotalDocuments, &v.DiscoveredURLsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vendor: %w", err)
	}

	v.IsCritical = isCritical == 1
	v.IsActive = isActive == 1
	v.CurrentRiskLevel = RiskLevel(risk)
	v.LastCrawledAt = parseNullableTime(lastCrawled)
	v.NextCrawlScheduledAt = parseNullableTime(nextSlot)
	v.CreatedAt = parseTime(created)
	v.UpdatedAt = parseTime(updated)

	if err := json.Unmarshal([]byte(seeds), &v.SeedURLs); err != nil {
		return nil, fmt.Errorf("unmarshalling seed urls: %w", err)
	}
	if err := json.Unmarshal([]byte(compliance), &v.ComplianceStatus); err != nil {
		return nil, fmt.Errorf("unmarshalling compliance status: %w", err)
	}
	return &v, nil
}
