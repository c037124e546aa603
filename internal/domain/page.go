package domain

import (
	"net/url"
	"strings"
	"time"
)

// Page is one ingested CSV row describing how a web page shows up in AI answers.
// URL and LastUpdated together form the natural key used for deduplication.
type Page struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	URL                 string    `gorm:"type:text;not null;uniqueIndex:idx_pages_natural_key" json:"url"`
	Domain              string    `gorm:"type:text;index:idx_pages_domain" json:"domain"`
	Title               string    `gorm:"type:text" json:"title"`
	AIModelMentioned    string    `gorm:"type:text" json:"ai_model_mentioned"`
	CitationsCount      int       `json:"citations_count"`
	Sentiment           string    `gorm:"type:text" json:"sentiment"`
	VisibilityScore     int       `json:"visibility_score"`
	CompetitorMentioned string    `gorm:"type:text" json:"competitor_mentioned"`
	QueryCategory       string    `gorm:"type:text" json:"query_category"`
	TrafficEstimate     int       `json:"traffic_estimate"`
	DomainAuthority     int       `json:"domain_authority"`
	MentionsCount       int       `json:"mentions_count"`
	PositionInResponse  int       `json:"position_in_response"`
	ResponseType        string    `gorm:"type:text" json:"response_type"`
	GeographicRegion    string    `gorm:"type:text" json:"geographic_region"`
	LastUpdated         time.Time `gorm:"not null;uniqueIndex:idx_pages_natural_key" json:"last_updated"`
	CreatedAt           time.Time `json:"created_at"`
}

// TableName returns the database table name for Page.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Page) TableName() string {
	return "pages"
}

// Key returns the natural key of the page.
func (p Page) Key() NaturalKey {
	return NaturalKey{URL: p.URL, LastUpdated: p.LastUpdated.UTC()}
}

// NaturalKey identifies a page snapshot independent of its database ID.
type NaturalKey struct {
	URL         string
	LastUpdated time.Time
}

// DomainFromURL extracts the host part of rawURL, or "" when it has none.
// Parameters:
//   - rawURL: absolute URL as found in the upload.
// Returns:
//   - string: lower-cased host without port.
func DomainFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
