package classify

import (
	"regexp"
	"strings"

	"tgharvest/internal/model"
)

var (
	reCompany    = regexp.MustCompile(`(?im)^\s*(?:company|organisation|organization)\s*[:\-]\s*(.+)$`)
	reCompanyAt  = regexp.MustCompile(`(?i)\bat\s+([A-Z][A-Za-z0-9&.\- ]{2,40})\b`)
	reWebsite    = regexp.MustCompile(`https?://[^\s)]+`)
	reLinkedIn   = regexp.MustCompile(`https?://(?:www\.)?linkedin\.com/[^\s)]+`)
	reSalary     = regexp.MustCompile(`(?i)(?:salary|ctc|package|stipend)\s*[:\-]?\s*([^\n]+)|(\d+\s*-\s*\d+\s*(?:lpa|lakhs?|k))`)
	reLocation   = regexp.MustCompile(`(?im)^\s*location\s*[:\-]\s*(.+)$`)
	reWorkMode   = regexp.MustCompile(`(?i)\b(remote|hybrid|on-?site|work from home|wfh)\b`)
	reExperience = regexp.MustCompile(`(?i)(\d+\s*(?:-\s*\d+)?\+?\s*years?)`)
	reSkills     = regexp.MustCompile(`(?im)^\s*(?:skills?|requirements?|stack)\s*[:\-]\s*(.+)$`)
	reDeadline   = regexp.MustCompile(`(?im)^\s*(?:deadline|apply by|last date)\s*[:\-]\s*(.+)$`)
	reEmail      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	rePhone      = regexp.MustCompile(`\+?\d{10,13}`)
)

// RegexVerifier is the reference extractor. Every field is best effort;
// below MinLength it declines entirely.
type RegexVerifier struct {
	MinLength int
}

func NewRegexVerifier(minLength int) *RegexVerifier {
	if minLength <= 0 {
		minLength = 50
	}
	return &RegexVerifier{MinLength: minLength}
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return strings.TrimSpace(g)
		}
	}
	return strings.TrimSpace(m[0])
}

// Extract pulls structured facts out of a posting.
func (v *RegexVerifier) Extract(text string) *model.JobFacts {
	if len(strings.TrimSpace(text)) < v.MinLength {
		return nil
	}
	f := &model.JobFacts{
		CompanyName: firstGroup(reCompany, text),
		LinkedIn:    firstGroup(reLinkedIn, text),
		SalaryRange: firstGroup(reSalary, text),
		Location:    firstGroup(reLocation, text),
		WorkMode:    strings.ToLower(firstGroup(reWorkMode, text)),
		Experience:  firstGroup(reExperience, text),
		Skills:      firstGroup(reSkills, text),
		Deadline:    firstGroup(reDeadline, text),
	}
	if f.CompanyName == "" {
		f.CompanyName = firstGroup(reCompanyAt, text)
	}
	// The LinkedIn URL should not double as the website.
	if w := firstGroup(reWebsite, text); w != "" && w != f.LinkedIn {
		f.Website = w
	}
	var contacts []string
	if e := reEmail.FindString(text); e != "" {
		contacts = append(contacts, e)
	}
	if ph := rePhone.FindString(text); ph != "" {
		contacts = append(contacts, ph)
	}
	f.Contact = strings.Join(contacts, ", ")

	filled := 0
	for _, s := range []string{f.CompanyName, f.Website, f.LinkedIn, f.Skills, f.SalaryRange, f.Location, f.WorkMode, f.Experience, f.Deadline, f.Contact} {
		if s != "" {
			filled++
		}
	}
	f.Score = float64(filled) * 10
	f.Verified = f.CompanyName != "" && f.Contact != ""
	return f
}
