// Package classifier scores entity text into a classification tier,
// derives a priority, suggests tags, and flags sensitive content. All
// functions are pure; the same inputs always produce the same result.
package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/payready/knowledge-api/internal/knowledge"
)

// Result is the full classification outcome for one entity.
type Result struct {
	Classification knowledge.Classification `json:"classification"`
	Priority       knowledge.Priority       `json:"priority"`
	Tags           []string                 `json:"tags"`
	Sensitivity    Sensitivity              `json:"sensitivity"`
}

// Sensitivity flags content that needs handling care downstream.
type Sensitivity struct {
	ContainsPII       bool `json:"contains_pii"`
	ContainsFinancial bool `json:"contains_financial"`
	ContainsStrategic bool `json:"contains_strategic"`
	ContainsLegal     bool `json:"contains_legal"`
	IsConfidential    bool `json:"is_confidential"`
	IsProprietary     bool `json:"is_proprietary"`
}

// Signal weights. Keywords are cheap hints, regexes stronger, an exact
// category match strongest.
const (
	keywordWeight  = 2
	patternWeight  = 3
	categoryWeight = 5

	// Winning scores below this fall back to Operational.
	minConfidentScore = 3
)

// tierSignals is the scored signal triple for one tier.
type tierSignals struct {
	keywords   []string
	patterns   []*regexp.Regexp
	categories []string
}

var tierTable = map[knowledge.Classification]tierSignals{
	knowledge.ClassificationFoundational: {
		keywords: []string{
			"mission", "vision", "core value", "company overview",
			"founding", "flagship", "market position", "brand identity",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`who we are`),
			regexp.MustCompile(`what (we|pay ready) (do|does)`),
			regexp.MustCompile(`\$\d+b\+?\s*(market|rent|portfolio)?`),
		},
		categories: []string{
			"company_overview", "mission", "products", "market_position",
		},
	},
	knowledge.ClassificationStrategic: {
		keywords: []string{
			"strategy", "roadmap", "initiative", "expansion", "partnership",
			"acquisition", "okr", "quarterly goal", "growth plan",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`q[1-4]\s*20\d\d`),
			regexp.MustCompile(`(three|3|five|5)[- ]year plan`),
		},
		categories: []string{
			"strategy", "initiatives", "partnerships", "competitive_analysis",
		},
	},
	knowledge.ClassificationOperational: {
		keywords: []string{
			"process", "procedure", "workflow", "runbook", "onboarding",
			"escalation", "sla", "how to", "checklist",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`step \d+`),
			regexp.MustCompile(`standard operating procedure`),
		},
		categories: []string{
			"operations", "support", "engineering_process", "hr",
		},
	},
	knowledge.ClassificationReference: {
		keywords: []string{
			"glossary", "definition", "faq", "reference", "appendix",
			"archive", "historical", "template",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`for reference only`),
			regexp.MustCompile(`see also`),
		},
		categories: []string{
			"reference", "glossary", "archive", "templates",
		},
	},
}

// Foundational fast-path conditions. Each is a conjunction of substring
// groups; a condition fires when every group has at least one hit.
var foundationalChecks = [][][]string{
	// Mission-like phrasing alongside the brand name.
	{
		{"mission", "vision", "who we are", "purpose"},
		{"pay ready", "payready"},
	},
	// Market-scale phrasing alongside a product term.
	{
		{"$20b", "$20 billion", "20b+"},
		{"platform", "product", "rent", "resident", "engagement"},
	},
}

// Priority keyword buckets, checked in descending order of urgency. The
// first bucket with any hit wins.
var priorityBuckets = []struct {
	priority knowledge.Priority
	keywords []string
}{
	{knowledge.PriorityCritical, []string{
		"critical", "urgent", "immediately", "outage", "security breach",
		"mission", "core value",
	}},
	{knowledge.PriorityHigh, []string{
		"important", "high priority", "strategic", "flagship",
		"revenue", "board",
	}},
	{knowledge.PriorityMedium, []string{
		"standard", "routine", "process", "workflow", "quarterly",
	}},
	{knowledge.PriorityLow, []string{
		"minor", "informational", "fyi", "archive", "reference only",
	}},
}

// Domain tags triggered by substring presence.
var domainTags = map[string][]string{
	"property_management": {"property", "resident", "tenant", "lease", "rent"},
	"payments":            {"payment", "collection", "arrears", "recovery"},
	"ai":                  {"ai", "machine learning", "model", "automation"},
}

// Technology and business tag dictionaries.
var technologyTags = map[string][]string{
	"api":            {"api", "endpoint", "webhook"},
	"data":           {"database", "analytics", "reporting", "dashboard"},
	"infrastructure": {"cloud", "aws", "deployment", "kubernetes"},
}

var businessTags = map[string][]string{
	"sales":    {"sales", "pipeline", "deal", "prospect"},
	"finance":  {"revenue", "profit", "margin", "forecast"},
	"customer": {"customer", "client", "churn", "retention"},
	"legal":    {"contract", "compliance", "regulation"},
}

// Sensitivity detectors.
var (
	piiPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                      // SSN-like
		regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`),                // email-like
		regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),    // phone-like
		regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),                     // card-like
	}
	financialKeywords = []string{
		"revenue", "profit", "margin", "arr", "salary", "compensation",
		"$", "budget", "forecast",
	}
	strategicKeywords = []string{
		"strategy", "acquisition", "merger", "board", "confidential roadmap",
		"competitive",
	}
	legalKeywords = []string{
		"contract", "compliance", "nda", "non-disclosure", "litigation",
		"regulation",
	}
	confidentialMarkers = []string{
		"confidential", "do not distribute", "internal only", "restricted",
	}
)

// Classify runs the full pipeline on an entity.
func Classify(e *knowledge.Entity) Result {
	text := corpus(e)

	cls, foundationalHit := classify(text, e.Category)
	prio := priority(text, cls)
	tags := suggestTags(text, cls, prio)
	sens := sensitivity(text, foundationalHit)

	return Result{
		Classification: cls,
		Priority:       prio,
		Tags:           tags,
		Sensitivity:    sens,
	}
}

// corpus builds the lowercased scoring text from the entity's name,
// category, content and metadata.
func corpus(e *knowledge.Entity) string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" ")
	b.WriteString(e.Category)
	b.WriteString(" ")
	b.WriteString(e.Content.String())
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%v", e.Metadata))
	return strings.ToLower(b.String())
}

func classify(text, category string) (knowledge.Classification, bool) {
	if matchesFoundationalCheck(text) {
		return knowledge.ClassificationFoundational, true
	}

	category = strings.ToLower(category)
	best := knowledge.ClassificationOperational
	bestScore := -1
	// Deterministic iteration order; ties go to the earlier tier.
	order := []knowledge.Classification{
		knowledge.ClassificationFoundational,
		knowledge.ClassificationStrategic,
		knowledge.ClassificationOperational,
		knowledge.ClassificationReference,
	}
	for _, tier := range order {
		s := tierTable[tier]
		score := 0
		for _, kw := range s.keywords {
			if strings.Contains(text, kw) {
				score += keywordWeight
			}
		}
		for _, p := range s.patterns {
			if p.MatchString(text) {
				score += patternWeight
			}
		}
		for _, c := range s.categories {
			if category == c {
				score += categoryWeight
				break
			}
		}
		if score > bestScore {
			best = tier
			bestScore = score
		}
	}
	if bestScore < minConfidentScore {
		return knowledge.ClassificationOperational, false
	}
	return best, false
}

func matchesFoundationalCheck(text string) bool {
	for _, condition := range foundationalChecks {
		all := true
		for _, group := range condition {
			hit := false
			for _, term := range group {
				if strings.Contains(text, term) {
					hit = true
					break
				}
			}
			if !hit {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func priority(text string, cls knowledge.Classification) knowledge.Priority {
	for _, bucket := range priorityBuckets {
		for _, kw := range bucket.keywords {
			if strings.Contains(text, kw) {
				return bucket.priority
			}
		}
	}
	switch cls {
	case knowledge.ClassificationFoundational, knowledge.ClassificationStrategic:
		return knowledge.PriorityHigh
	case knowledge.ClassificationOperational:
		return knowledge.PriorityMedium
	}
	return knowledge.PriorityLow
}

func suggestTags(text string, cls knowledge.Classification, prio knowledge.Priority) []string {
	seen := map[string]bool{}
	var tags []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	add(string(cls))
	if prio >= knowledge.PriorityHigh {
		add("priority_" + prio.String())
	}
	for _, dict := range []map[string][]string{domainTags, technologyTags, businessTags} {
		names := make([]string, 0, len(dict))
		for name := range dict {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, trigger := range dict[name] {
				if strings.Contains(text, trigger) {
					add(name)
					break
				}
			}
		}
	}
	return tags
}

func sensitivity(text string, foundationalHit bool) Sensitivity {
	s := Sensitivity{IsProprietary: foundationalHit}
	for _, p := range piiPatterns {
		if p.MatchString(text) {
			s.ContainsPII = true
			break
		}
	}
	s.ContainsFinancial = anyContains(text, financialKeywords)
	s.ContainsStrategic = anyContains(text, strategicKeywords)
	s.ContainsLegal = anyContains(text, legalKeywords)
	s.IsConfidential = anyContains(text, confidentialMarkers)
	return s
}

func anyContains(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
