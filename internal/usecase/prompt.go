package usecase

import (
	"fmt"
	"strings"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/rules"
)

const defaultPromptText = 6000

func systemPrompt(targetLang string) string {
	var b strings.Builder
	b.WriteString("You assess cybersecurity advisories for regulatory relevance. ")
	b.WriteString("Answer with one JSON object with the keys summary, summaryTranslated, titleTranslated, ")
	b.WriteString("triggers, affectedProducts, iocs, confidence and compliance.\n")
	fmt.Fprintf(&b, "summaryTranslated and titleTranslated are in language %q.\n", targetLang)
	fmt.Fprintf(&b, "triggers must be taken from: %s.\n", strings.Join(rules.AllowedTriggers, ", "))
	fmt.Fprintf(&b, "compliance maps each of %s to {relevant: yes|conditional|no, confidence 0..1, reasoning}.\n",
		strings.Join(rules.Frameworks, ", "))
	b.WriteString("Do not invent legal references.")
	return b.String()
}

// buildPrompt renders the chat messages for one alert.
func buildPrompt(a domain.Alert, detail domain.AdvisoryDetail, targetLang string, maxText int) []ports.ChatMessage {
	if maxText <= 0 {
		maxText = defaultPromptText
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", a.Title)
	fmt.Fprintf(&b, "Source: %s (%s, tier %d)\n", a.SourceName, a.SourceCategory, a.SourceTrustTier)
	fmt.Fprintf(&b, "Type: %s\n", a.AlertType)
	if !a.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", a.PublishedAt.Format("2006-01-02"))
	}
	if len(a.CVEIDs) > 0 {
		fmt.Fprintf(&b, "CVEs: %s\n", strings.Join(a.CVEIDs, ", "))
	}
	if a.CVSSScore != nil {
		fmt.Fprintf(&b, "CVSS: %.1f %s\n", *a.CVSSScore, a.CVSSVector)
	}
	if a.EPSSScore != nil {
		fmt.Fprintf(&b, "EPSS: %.4f\n", *a.EPSSScore)
	}
	if a.IsActivelyExploited {
		b.WriteString("Actively exploited: yes\n")
	}
	if len(a.AffectedVendors) > 0 {
		fmt.Fprintf(&b, "Vendors: %s\n", strings.Join(a.AffectedVendors, ", "))
	}
	if len(a.AffectedProducts) > 0 {
		fmt.Fprintf(&b, "Products: %s\n", strings.Join(a.AffectedProducts, ", "))
	}
	if a.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", a.URL)
	}

	text := a.Description
	if detail.Text != "" {
		text += "\n\nAdvisory " + detail.AdvisoryID + ":\n" + detail.Text
	}
	b.WriteString("\n")
	b.WriteString(truncate(text, maxText))

	return []ports.ChatMessage{
		{Role: "system", Content: systemPrompt(targetLang)},
		{Role: "user", Content: b.String()},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
