// Package quality builds read-side reports on extraction and clustering
// output: human feedback tallies, cluster coherence flags, and listings the
// extraction stage likely shortchanged.
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/store"
)

// Coherence thresholds.
const (
	broadVerticalMin = 4   // distinct verticals before a cluster counts as broad
	catchAllFactor   = 2.0 // member count vs mean before a cluster is a catch-all
	disagreementTop  = 20
)

// knownTools is the lexicon scanned for tool names the extraction missed.
var knownTools = []string{
	"Zapier", "Make", "n8n", "Airtable", "HubSpot", "Salesforce",
	"QuickBooks", "Xero", "Shopify", "WooCommerce", "Stripe", "Slack",
	"Notion", "Asana", "Trello", "ClickUp", "Monday.com", "Google Sheets",
	"Excel", "WordPress", "Webflow", "Mailchimp", "Klaviyo", "Twilio",
	"DocuSign", "Calendly",
}

// genericVerticals are labels too vague to route a listing anywhere useful.
var genericVerticals = []string{
	"general", "other", "business", "misc", "miscellaneous", "various",
	"unknown", "services", "technology", "n/a",
}

// DisagreementEntry is one cluster's negative-feedback share.
type DisagreementEntry struct {
	ClusterID int64   `json:"id"`
	Name      string  `json:"name"`
	Negative  int     `json:"negative"`
	Total     int     `json:"total"`
	Rate      float64 `json:"rate"`
}

// CoherenceFlag marks a cluster that looks too broad or like a catch-all.
type CoherenceFlag struct {
	ClusterID    int64    `json:"id"`
	Name         string   `json:"name"`
	ListingCount int      `json:"listing_count"`
	Verticals    []string `json:"verticals,omitempty"`
	Reason       string   `json:"reason"`
}

// GapListing is a listing the extraction stage likely shortchanged.
type GapListing struct {
	ListingID int64    `json:"listing_id"`
	Title     string   `json:"title"`
	Source    string   `json:"source,omitempty"`
	Detail    string   `json:"detail"`
	Hits      []string `json:"hits,omitempty"`
}

// Report is the full quality snapshot.
type Report struct {
	FeedbackTotal    int                        `json:"feedback_total"`
	FeedbackByKind   map[model.FeedbackKind]int `json:"feedback_by_kind"`
	Disagreement     []DisagreementEntry        `json:"disagreement"`
	BroadClusters    []CoherenceFlag            `json:"broad_clusters"`
	CatchAllClusters []CoherenceFlag            `json:"catch_all_clusters"`
	MissedTools      []GapListing               `json:"missed_tools"`
	GenericVerticals []GapListing               `json:"generic_verticals"`
}

// Reporter runs the quality queries.
type Reporter struct {
	store store.Store
}

func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// Build assembles the report. The three query groups are independent and run
// concurrently.
func (r *Reporter) Build(ctx context.Context) (*Report, error) {
	report := &Report{FeedbackByKind: map[model.FeedbackKind]int{}}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		total, byKind, err := r.store.FeedbackTotals(ctx)
		if err != nil {
			return eris.Wrap(err, "quality: feedback totals")
		}
		rows, err := r.store.ClusterDisagreement(ctx, disagreementTop)
		if err != nil {
			return eris.Wrap(err, "quality: cluster disagreement")
		}
		report.FeedbackTotal = total
		report.FeedbackByKind = byKind
		report.Disagreement = disagreementEntries(rows)
		return nil
	})

	g.Go(func() error {
		spreads, err := r.store.ClusterVerticalSpreads(ctx)
		if err != nil {
			return eris.Wrap(err, "quality: vertical spreads")
		}
		report.BroadClusters, report.CatchAllClusters = coherenceFlags(spreads)
		return nil
	})

	g.Go(func() error {
		listings, err := r.store.AllExtractedListings(ctx)
		if err != nil {
			return eris.Wrap(err, "quality: load extracted listings")
		}
		report.MissedTools = missedToolGaps(listings)
		report.GenericVerticals = genericVerticalGaps(listings)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func disagreementEntries(rows []store.DisagreementRow) []DisagreementEntry {
	out := make([]DisagreementEntry, 0, len(rows))
	for _, row := range rows {
		entry := DisagreementEntry{
			ClusterID: row.ClusterID,
			Name:      row.Name,
			Negative:  row.Negative,
			Total:     row.Total,
		}
		if row.Total > 0 {
			entry.Rate = float64(row.Negative) / float64(row.Total)
		}
		out = append(out, entry)
	}
	return out
}

// coherenceFlags splits clusters into broad (too many verticals) and
// catch-all (member count far above the mean).
func coherenceFlags(spreads []store.VerticalSpread) (broad, catchAll []CoherenceFlag) {
	if len(spreads) == 0 {
		return nil, nil
	}

	titler := cases.Title(language.English)
	totalMembers := 0
	for _, s := range spreads {
		totalMembers += s.ListingCount
	}
	mean := float64(totalMembers) / float64(len(spreads))

	for _, s := range spreads {
		verticals := normalizeLabels(titler, s.Verticals)
		if len(verticals) >= broadVerticalMin {
			broad = append(broad, CoherenceFlag{
				ClusterID:    s.ClusterID,
				Name:         s.Name,
				ListingCount: s.ListingCount,
				Verticals:    verticals,
				Reason:       "spans too many verticals to be one product",
			})
		}
		if float64(s.ListingCount) > catchAllFactor*mean {
			catchAll = append(catchAll, CoherenceFlag{
				ClusterID:    s.ClusterID,
				Name:         s.Name,
				ListingCount: s.ListingCount,
				Reason:       "member count far above the cluster mean, likely a catch-all",
			})
		}
	}
	return broad, catchAll
}

// normalizeLabels folds case variants of the same vertical into one label.
func normalizeLabels(titler cases.Caser, labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		label = titler.String(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// missedToolGaps finds listings extracted with no tools even though the
// description names one from the lexicon.
func missedToolGaps(listings []model.Listing) []GapListing {
	var out []GapListing
	for i := range listings {
		l := &listings[i]
		if len(l.ToolsMentioned) > 0 || l.Description == nil {
			continue
		}
		hits := toolHits(*l.Description)
		if len(hits) == 0 {
			continue
		}
		out = append(out, GapListing{
			ListingID: l.ID,
			Title:     l.Title,
			Source:    listingSource(l),
			Detail:    "description names tools but none were extracted",
			Hits:      hits,
		})
	}
	return out
}

func toolHits(description string) []string {
	lower := strings.ToLower(description)
	var hits []string
	for _, tool := range knownTools {
		if strings.Contains(lower, strings.ToLower(tool)) {
			hits = append(hits, tool)
		}
	}
	return hits
}

// genericVerticalGaps finds listings filed under a vague vertical despite
// carrying enough skill signal to do better.
func genericVerticalGaps(listings []model.Listing) []GapListing {
	var out []GapListing
	for i := range listings {
		l := &listings[i]
		if l.Vertical == nil || len(l.Skills) < 2 {
			continue
		}
		if !isGenericVertical(*l.Vertical) {
			continue
		}
		out = append(out, GapListing{
			ListingID: l.ID,
			Title:     l.Title,
			Source:    listingSource(l),
			Detail:    fmt.Sprintf("generic vertical %q despite specific skills", *l.Vertical),
			Hits:      l.Skills,
		})
	}
	return out
}

func isGenericVertical(vertical string) bool {
	lower := strings.ToLower(strings.TrimSpace(vertical))
	for _, generic := range genericVerticals {
		if lower == generic {
			return true
		}
	}
	return false
}

// listingSource pulls the scraper source tag out of the raw captured payload.
func listingSource(l *model.Listing) string {
	if len(l.RawData) == 0 {
		return ""
	}
	return gjson.GetBytes(l.RawData, "_meta.source").String()
}
