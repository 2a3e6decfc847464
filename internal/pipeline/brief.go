package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/cost"
	"github.com/sells-group/opportunity-radar/internal/model"
)

const interpretPrompt = `You are a freelance-market opportunity analyst. Given the following cluster statistics, write 3-4 sentences of plain-English interpretation covering:
1. What opportunity this cluster represents
2. Demand signals (heat, velocity, freshness)
3. Competitive landscape and barrier to entry
4. Actionable takeaway for a freelancer or agency

Be concise, specific, and data-driven. Reference actual numbers. No bullet points, just prose.

%s`

const briefPrompt = `You are a product strategist analyzing freelance job listings to identify productizable opportunities.

Cluster: %q
Total listings: %d | Avg budget: %s

Here are the workflow descriptions from these listings:

%s

Based on these workflows, generate 2-5 distinct product ideas. Return ONLY valid JSON:
{
  "market_summary": "2-3 sentences summarizing the market opportunity and common pain points",
  "ideas": [
    {
      "name": "Short product name",
      "pain_point": "The specific problem this solves",
      "demand_evidence": "Evidence from the listings (mention counts, budget ranges, recurring patterns)",
      "tools_involved": ["tool1", "tool2"],
      "target_vertical": "Primary industry this serves",
      "monetization_hint": "How to monetize (SaaS subscription, per-use fee, etc.)"
    }
  ]
}`

// InterpretCluster returns a short prose read on a cluster's stats, cached on
// the cluster row. Set force to regenerate.
func (p *Pipeline) InterpretCluster(ctx context.Context, clusterID int64, force bool) (string, cost.Usage, error) {
	cluster, err := p.store.GetCluster(ctx, clusterID)
	if err != nil {
		return "", cost.Usage{}, err
	}
	if cluster == nil {
		return "", cost.Usage{}, eris.Errorf("pipeline: cluster not found: %d", clusterID)
	}
	if !force && cluster.Interpretation != nil {
		return *cluster.Interpretation, cost.Usage{}, nil
	}

	listings, err := p.store.ClusterListings(ctx, clusterID)
	if err != nil {
		return "", cost.Usage{}, err
	}

	prompt := fmt.Sprintf(interpretPrompt, clusterSummary(cluster, listings))
	resp, err := p.anthropic.CreateMessage(ctx, newHaikuRequest(p.cfg, prompt, 512))
	if err != nil {
		return "", cost.Usage{}, err
	}
	usage := cost.Usage{HaikuIn: resp.Usage.InputTokens, HaikuOut: resp.Usage.OutputTokens}

	text := strings.TrimSpace(resp.Text())
	if err := p.store.SetClusterInterpretation(ctx, clusterID, text); err != nil {
		zap.L().Warn("pipeline: interpretation cache write failed", zap.Int64("cluster_id", clusterID), zap.Error(err))
	}
	return text, usage, nil
}

// ProductBrief is the structured output of GenerateBrief.
type ProductBrief struct {
	MarketSummary string        `json:"market_summary"`
	Ideas         []ProductIdea `json:"ideas"`
}

// ProductIdea is one candidate product distilled from a cluster's workflows.
type ProductIdea struct {
	Name             string   `json:"name"`
	PainPoint        string   `json:"pain_point"`
	DemandEvidence   string   `json:"demand_evidence"`
	ToolsInvolved    []string `json:"tools_involved"`
	TargetVertical   string   `json:"target_vertical"`
	MonetizationHint string   `json:"monetization_hint"`
}

// GenerateBrief produces product ideas grounded in a cluster's member
// workflows, on the capable model tier. The raw JSON is cached on the cluster
// row; set force to regenerate.
func (p *Pipeline) GenerateBrief(ctx context.Context, clusterID int64, force bool) (string, cost.Usage, error) {
	cluster, err := p.store.GetCluster(ctx, clusterID)
	if err != nil {
		return "", cost.Usage{}, err
	}
	if cluster == nil {
		return "", cost.Usage{}, eris.Errorf("pipeline: cluster not found: %d", clusterID)
	}
	if !force && cluster.ProductBrief != nil {
		return *cluster.ProductBrief, cost.Usage{}, nil
	}

	listings, err := p.store.ClusterListings(ctx, clusterID)
	if err != nil {
		return "", cost.Usage{}, err
	}
	if len(listings) == 0 {
		return "", cost.Usage{}, eris.Errorf("pipeline: cluster %d has no member listings", clusterID)
	}
	if limit := p.cfg.Pipeline.BriefMaxListings; len(listings) > limit {
		listings = listings[:limit]
	}

	var blocks []string
	for i := range listings {
		blocks = append(blocks, workflowBlock(i+1, &listings[i]))
	}

	avgBudget := "unknown"
	if cluster.AvgBudget != nil {
		avgBudget = fmt.Sprintf("$%d", int(math.Round(*cluster.AvgBudget)))
	}
	prompt := fmt.Sprintf(briefPrompt, cluster.Name, cluster.ListingCount, avgBudget, strings.Join(blocks, "\n\n"))

	resp, err := p.anthropic.CreateMessage(ctx, newSonnetRequest(p.cfg, prompt, 4096))
	if err != nil {
		return "", cost.Usage{}, err
	}
	usage := cost.Usage{SonnetIn: resp.Usage.InputTokens, SonnetOut: resp.Usage.OutputTokens}

	briefJSON, err := ExtractJSONObject(resp.Text())
	if err != nil {
		return "", usage, err
	}
	var brief ProductBrief
	if err := json.Unmarshal([]byte(briefJSON), &brief); err != nil {
		return "", usage, eris.Wrap(err, "pipeline: parse product brief")
	}

	if err := p.store.SetClusterBrief(ctx, clusterID, briefJSON); err != nil {
		zap.L().Warn("pipeline: brief cache write failed", zap.Int64("cluster_id", clusterID), zap.Error(err))
	}
	return briefJSON, usage, nil
}

func workflowBlock(n int, l *model.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- #%d ---\n", n)
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	fmt.Fprintf(&b, "Workflow: %s\n", strOr(l.WorkflowDescribed, "(not described)"))
	fmt.Fprintf(&b, "Problem: %s\n", strOr(l.ProblemCategory, "(unknown)"))
	tools := "(none)"
	if len(l.ToolsMentioned) > 0 {
		tools = strings.Join(l.ToolsMentioned, ", ")
	}
	fmt.Fprintf(&b, "Tools: %s\n", tools)
	fmt.Fprintf(&b, "Budget: %s\n", budgetLabel(l.BudgetMin, l.BudgetMax))
	recurring := "no"
	if l.IsRecurringNeed != nil && *l.IsRecurringNeed {
		recurring = "yes"
	}
	fmt.Fprintf(&b, "Recurring: %s", recurring)
	return b.String()
}

func strOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

// clusterSummary renders the stat lines fed to the interpretation prompt.
func clusterSummary(c *model.Cluster, listings []model.Listing) string {
	lines := []string{fmt.Sprintf("Cluster: %q", c.Name)}
	if c.Description != nil && *c.Description != "" {
		lines = append(lines, "Description: "+*c.Description)
	}
	avgBudget := "unknown"
	if c.AvgBudget != nil {
		avgBudget = fmt.Sprintf("$%d", int(math.Round(*c.AvgBudget)))
	}
	lines = append(lines,
		fmt.Sprintf("Listings: %d | Avg budget: %s", c.ListingCount, avgBudget),
		fmt.Sprintf("Heat score: %.1f | Velocity: %.2fx", c.HeatScore, c.Velocity),
	)

	if tools := topTools(listings, 8); len(tools) > 0 {
		lines = append(lines, "Top tools/tech: "+strings.Join(tools, ", "))
	}
	if verticals := distinctVerticals(listings); len(verticals) > 0 {
		lines = append(lines, "Verticals: "+strings.Join(verticals, ", "))
	}
	if last := lastCaptured(listings); !last.IsZero() {
		days := int(time.Since(last).Hours() / 24)
		lines = append(lines, fmt.Sprintf("Days since last listing: %d", days))
	}
	return strings.Join(lines, "\n")
}

// topTools counts tool mentions across member listings, most frequent first.
func topTools(listings []model.Listing, limit int) []string {
	counts := make(map[string]int)
	for i := range listings {
		for _, tool := range listings[i].ToolsMentioned {
			if tool != "" {
				counts[tool]++
			}
		}
	}
	tools := make([]string, 0, len(counts))
	for tool := range counts {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool {
		if counts[tools[i]] != counts[tools[j]] {
			return counts[tools[i]] > counts[tools[j]]
		}
		return tools[i] < tools[j]
	})
	if len(tools) > limit {
		tools = tools[:limit]
	}
	return tools
}

func distinctVerticals(listings []model.Listing) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range listings {
		if v := listings[i].Vertical; v != nil && *v != "" {
			if _, ok := seen[*v]; !ok {
				seen[*v] = struct{}{}
				out = append(out, *v)
			}
		}
	}
	sort.Strings(out)
	return out
}

func lastCaptured(listings []model.Listing) time.Time {
	var last time.Time
	for i := range listings {
		if listings[i].CapturedAt.After(last) {
			last = listings[i].CapturedAt
		}
	}
	return last
}
