// Package classify defines the collaborator contracts the fetch engine
// depends on: a classifier that labels job postings and a verifier that
// extracts structured facts. The engine only sees the interfaces; the
// implementations here are replaceable reference ones.
package classify

import (
	"regexp"
	"sort"
	"strings"

	"tgharvest/internal/model"
)

// Classifier labels a message text. An empty jobType means "not a job
// posting"; implementations must never fail on arbitrary input.
type Classifier interface {
	Classify(text string) (jobType string, keywords []string)
}

// Verifier extracts structured job facts from text, or returns nil when
// the text is too short to bother.
type Verifier interface {
	Extract(text string) *model.JobFacts
}

var jobIndicators = []string{
	"hiring", "job", "position", "vacancy", "opening",
	"opportunity", "recruit", "career", "apply", "join our team",
}

var keywordGroups = map[string][]string{
	"tech": {
		"python", "java", "javascript", "golang", "developer", "programmer",
		"software", "engineer", "full stack", "frontend", "backend", "devops",
		"data scientist", "machine learning", "react", "angular", "node.js",
		"django", "flask", "api", "database", "sql", "mongodb", "aws", "cloud",
		"docker", "kubernetes", "android", "ios", "flutter", "qa", "testing",
		"automation", "cybersecurity", "blockchain", "ui/ux", "tech lead",
	},
	"non_tech": {
		"marketing", "sales", "hr", "human resource", "accountant", "finance",
		"manager", "business analyst", "content writer", "copywriter", "seo",
		"digital marketing", "social media", "customer service", "support",
		"operations", "legal", "project manager", "product manager",
		"business development", "graphic design", "video editor",
	},
	"freelance": {
		"freelance", "freelancer", "gig", "contract", "part-time", "part time",
		"remote work", "work from home", "wfh", "upwork", "fiverr", "hourly",
		"project basis", "flexible hours", "independent",
	},
}

// KeywordClassifier is the reference implementation: indicator precheck,
// then word-boundary keyword matching with freelance > tech > non_tech
// label precedence (compound labels for freelance overlaps).
type KeywordClassifier struct {
	patterns map[string][]*regexp.Regexp
	words    map[string][]string
}

func NewKeywordClassifier() *KeywordClassifier {
	c := &KeywordClassifier{
		patterns: make(map[string][]*regexp.Regexp),
		words:    make(map[string][]string),
	}
	for group, kws := range keywordGroups {
		for _, kw := range kws {
			c.patterns[group] = append(c.patterns[group], regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
			c.words[group] = append(c.words[group], kw)
		}
	}
	return c
}

func (c *KeywordClassifier) matches(text, group string) []string {
	var found []string
	for i, re := range c.patterns[group] {
		if re.MatchString(text) {
			found = append(found, c.words[group][i])
		}
	}
	return found
}

// Classify labels text or returns "" for non-job content.
func (c *KeywordClassifier) Classify(text string) (string, []string) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	lower := strings.ToLower(text)

	indicator := false
	for _, w := range jobIndicators {
		if strings.Contains(lower, w) {
			indicator = true
			break
		}
	}
	if !indicator {
		return "", nil
	}

	freelance := c.matches(lower, "freelance")
	tech := c.matches(lower, "tech")
	nonTech := c.matches(lower, "non_tech")

	var jobType string
	var all []string
	if len(freelance) > 0 {
		jobType = "freelance"
		all = append(all, freelance...)
	}
	if len(tech) > 0 {
		if jobType == "freelance" {
			jobType = "freelance_tech"
		} else {
			jobType = "tech"
		}
		all = append(all, tech...)
	}
	if len(nonTech) > 0 && len(tech) == 0 {
		if jobType == "freelance" {
			jobType = "freelance_non_tech"
		} else {
			jobType = "non_tech"
		}
		all = append(all, nonTech...)
	}
	if jobType == "" {
		return "", nil
	}
	return jobType, dedup(all)
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
