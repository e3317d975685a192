package usecase

import (
	"fmt"
	"strings"

	"AdvisoryScanner/internal/domain"
)

const digestErrorLines = 5

// FetchDigest renders a short operator message for a fetch run.
func FetchDigest(summary domain.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Fetch run %s*: %s\n", summary.RunID, summary.Status)
	fmt.Fprintf(&b, "fetched %d, new %d, duplicate %d, errors %d\n",
		summary.TotalFetched, summary.TotalNew, summary.TotalDuplicate, summary.TotalErrors)
	for _, src := range summary.Sources {
		switch {
		case src.Skipped != "":
			continue
		case src.AutoDisabled:
			fmt.Fprintf(&b, "- %s: auto-disabled\n", src.SourceID)
		case src.Errors > 0 || src.Warning != "":
			fmt.Fprintf(&b, "- %s: %d new, %d errors %s\n", src.SourceID, src.New, src.Errors, src.Warning)
		}
	}
	if bf := summary.CVSSBackfill; bf.Candidates > 0 {
		fmt.Fprintf(&b, "cvss backfill: %d/%d updated, %d requests, %d errors\n",
			bf.Updated, bf.Candidates, bf.Requests, bf.Errors)
	}
	writeErrors(&b, summary.Errors)
	return strings.TrimSpace(b.String())
}

// EnrichDigest renders a short operator message for an enrichment run.
func EnrichDigest(res domain.EnrichResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s run %s*: %s\n", res.Kind, res.RunID, res.Status)
	fmt.Fprintf(&b, "attempted %d of %d, succeeded %d, failed %d, skipped %d\n",
		res.Attempted, res.Candidates, res.Succeeded, res.Failed, res.Skipped)
	if res.StoppedEarly {
		b.WriteString("stopped early\n")
	}
	fmt.Fprintf(&b, "tokens %d/%d, est. $%.4f\n",
		res.Usage.PromptTokens, res.Usage.CompletionTokens, res.EstimatedCostUSD)
	writeErrors(&b, res.Errors)
	return strings.TrimSpace(b.String())
}

func writeErrors(b *strings.Builder, errs []domain.ItemError) {
	for i, e := range errs {
		if i == digestErrorLines {
			fmt.Fprintf(b, "... and %d more\n", len(errs)-i)
			break
		}
		fmt.Fprintf(b, "- %s [%s]: %s\n", e.Item, e.Stage, e.Message)
	}
}
