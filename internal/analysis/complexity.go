// Package analysis scores how complex a case is likely to be to investigate.
package analysis

import (
	"fmt"
	"strings"
	"time"

	"caseflow/internal/domain"
)

const (
	LevelCritical = "CRITICAL"
	LevelHigh     = "HIGH"
	LevelMedium   = "MEDIUM"
	LevelLow      = "LOW"
	LevelMinimal  = "MINIMAL"
)

type Result struct {
	CaseID          string   `json:"case_id"`
	Score           int      `json:"score" minimum:"0" maximum:"100"`
	Level           string   `json:"level" enum:"CRITICAL,HIGH,MEDIUM,LOW,MINIMAL"`
	Factors         []string `json:"factors"`
	Recommendations []string `json:"recommendations"`
	AnalyzedAt      string   `json:"analyzed_at" format:"date-time"`
}

var (
	highRiskRegions = []string{"tier 3", "rural", "remote"}
	complexProducts = []string{"business loan", "commercial", "unsecured", "credit card"}
	highKeywords    = []string{"multiple", "suspicious", "fraudulent", "forged", "fake", "criminal", "conspiracy"}
	mediumKeywords  = []string{"disputed", "unclear", "investigation required", "verification needed"}
)

// caseDateLayouts are tried in order when reading case and disbursement dates.
var caseDateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range caseDateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type scorer struct {
	score   int
	factors []string
	recs    []string
}

func (s *scorer) add(points int, factor string, recs ...string) {
	s.score += points
	s.factors = append(s.factors, factor)
	s.recs = append(s.recs, recs...)
}

// Score rates c. related is the number of other cases for the same customer.
func Score(c domain.Case, related int, now time.Time) Result {
	var s scorer

	if amount := c.Customer.LoanAmount; amount != nil {
		switch {
		case *amount >= 1_000_000:
			s.add(25, "High value loan", "Assign senior investigator with financial fraud expertise")
		case *amount >= 500_000:
			s.add(15, "Medium value loan", "Standard investigation with financial verification")
		case *amount >= 100_000:
			s.add(8, "Standard value loan")
		}
	}

	caseType := strings.ToLower(c.CaseType)
	switch {
	case strings.Contains(caseType, "financial fraud"), strings.Contains(caseType, "embezzlement"):
		s.add(20, "Financial fraud case", "Require forensic accounting analysis")
	case strings.Contains(caseType, "identity theft"), strings.Contains(caseType, "document fraud"):
		s.add(15, "Identity or document fraud", "Verify all identity documents and credentials")
	case strings.Contains(caseType, "money laundering"):
		s.add(18, "Money laundering suspected", "Track transaction patterns and source of funds")
	case strings.Contains(caseType, "default"):
		s.add(10, "Payment default case")
	}

	missing := 0
	for _, v := range []string{c.Customer.Name, c.Customer.PAN, c.Customer.Mobile, c.Customer.Email} {
		if strings.TrimSpace(v) == "" {
			missing++
		}
	}
	switch {
	case missing >= 3:
		s.add(15, "Incomplete customer information", "Conduct comprehensive customer verification")
	case missing >= 2:
		s.add(10, "Limited customer information")
	}

	if caseDate, ok := parseDate(c.CaseDate); ok {
		age := int(now.Sub(caseDate).Hours() / 24)
		switch {
		case age > 30:
			s.add(12, "Aged case (30+ days)", "Expedite investigation due to case age")
		case age > 14:
			s.add(8, "Moderately aged case (14+ days)")
		}
		if disbursed, ok := parseDate(c.Customer.DisbursementDate); ok {
			gap := int(caseDate.Sub(disbursed).Hours() / 24)
			switch {
			case gap <= 7:
				s.add(10, "Quick default (within 7 days)", "Investigate possible fraudulent intent")
			case gap <= 30:
				s.add(6, "Early default (within 30 days)")
			}
		}
	}

	if containsAny(c.Region, highRiskRegions) > 0 {
		s.add(8, "High-risk geographic location", "Conduct field verification")
	}
	if containsAny(c.Product, complexProducts) > 0 {
		s.add(6, "Complex financial product")
	}

	high, medium := containsAny(c.Description, highKeywords), containsAny(c.Description, mediumKeywords)
	switch {
	case high >= 2:
		s.add(10, "Multiple high-risk indicators in description", "Assign experienced fraud investigator")
	case high == 1:
		s.add(6, "High-risk keywords in description")
	case medium >= 2:
		s.add(4, "Multiple investigation flags in description")
	}

	if related > 0 {
		s.add(5, fmt.Sprintf("Multiple cases from same customer (%d cases)", related+1), "Review customer's complete case history")
	}

	score := s.score
	if score > 100 {
		score = 100
	}
	level := levelFor(score)
	recs := s.recs
	switch level {
	case LevelCritical:
		recs = append([]string{"URGENT: Escalate to senior management immediately"}, recs...)
		recs = append(recs, "Consider legal consultation", "Implement enhanced monitoring")
	case LevelHigh:
		recs = append([]string{"High priority investigation required"}, recs...)
		recs = append(recs, "Weekly progress review")
	case LevelMedium:
		recs = append([]string{"Standard investigation with regular monitoring"}, recs...)
	}
	if s.factors == nil {
		s.factors = []string{}
	}
	if recs == nil {
		recs = []string{}
	}
	return Result{
		CaseID:          c.ID,
		Score:           score,
		Level:           level,
		Factors:         s.factors,
		Recommendations: recs,
		AnalyzedAt:      now.UTC().Format(time.RFC3339),
	}
}

func levelFor(score int) string {
	switch {
	case score >= 70:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	case score >= 15:
		return LevelLow
	}
	return LevelMinimal
}

func containsAny(text string, needles []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			n++
		}
	}
	return n
}
