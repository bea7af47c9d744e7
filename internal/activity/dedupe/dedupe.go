// Package dedupe collapses activity events that describe the same fact.
package dedupe

import (
	"regexp"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	activity "github.com/smallbiznis/worksite/internal/activity/domain"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
)

// sourcePriority ranks competing representations of one fact. Higher wins.
var sourcePriority = map[activity.SourceType]int{
	activity.SourcePayment:     100,
	activity.SourceDocument:    90,
	activity.SourceOpportunity: 70,
	activity.SourceAppointment: 60,
	activity.SourceTask:        60,
	activity.SourceNote:        50,
	activity.SourceStatus:      10,
}

// originBonus prefers the documents list over quote attachments.
var originBonus = map[activity.DocumentOrigin]int{
	activity.OriginDocuments: 5,
	activity.OriginQuote:     0,
	activity.OriginStatusLog: 0,
}

// moneyPattern matches amounts written with a currency symbol or code on
// either side. Bare numbers never count as money.
var moneyPattern = regexp.MustCompile(`(?i)(?:[€$£]|\b(?:eur|usd|gbp)\b)[\s\x{00a0}\x{202f}]?(\d(?:[\d.,\x{00a0}\x{202f}]|\s\d)*)|(\d(?:[\d.,\x{00a0}\x{202f}]|\s\d)*)[\s\x{00a0}\x{202f}]?(?:[€$£]|\b(?:eur|usd|gbp)\b)`)

// Dedupe removes duplicates from events. Survivors keep their relative
// input order, so applying Dedupe to its own output returns it unchanged.
func Dedupe(events []activity.Event) []activity.Event {
	if len(events) == 0 {
		return []activity.Event{}
	}

	alive := make([]bool, len(events))
	for i := range alive {
		alive[i] = true
	}

	collapse(events, alive, IdentityKey)
	collapse(events, alive, ContentKey)
	collapseFiles(events, alive)
	suppressCrossSource(events, alive)

	out := make([]activity.Event, 0, len(events))
	for i, event := range events {
		if alive[i] {
			out = append(out, event)
		}
	}
	return out
}

// collapse keeps one winner per key among the alive events.
func collapse(events []activity.Event, alive []bool, keyFn func(activity.Event) (string, bool)) {
	winners := make(map[string]int, len(events))
	for i, event := range events {
		if !alive[i] {
			continue
		}
		key, ok := keyFn(event)
		if !ok {
			continue
		}
		current, seen := winners[key]
		if !seen {
			winners[key] = i
			continue
		}
		if better(event, events[current]) {
			alive[current] = false
			winners[key] = i
		} else {
			alive[i] = false
		}
	}
}

// IdentityKey returns the exact identity of the fact an event describes.
func IdentityKey(event activity.Event) (string, bool) {
	switch event.Category {
	case activity.CategoryPayment:
		if meta, ok := event.Payment(); ok && meta.PaymentID != "" {
			return "payment:" + meta.PaymentID, true
		}
	case activity.CategoryDocument:
		if meta, ok := event.Document(); ok && listed(event) && meta.DocumentID != "" {
			return "document:" + meta.DocumentID, true
		}
	}
	return string(event.SourceType) + ":" + event.SourceID, true
}

// listed reports whether event comes from the documents list itself rather
// than from a quote attachment or a status-log mention.
func listed(event activity.Event) bool {
	if event.SourceType != activity.SourceDocument {
		return false
	}
	meta, ok := event.Document()
	return ok && (meta.Origin == activity.OriginDocuments || meta.Origin == "")
}

// collapseFiles folds quote attachments and status-log mentions into the
// documents-list entry of the same file name. Listed documents sharing a
// name stay distinct; without a listed entry one mention survives.
func collapseFiles(events []activity.Event, alive []bool) {
	listedFiles := make(map[string]struct{})
	for i, event := range events {
		if !alive[i] || !listed(event) {
			continue
		}
		meta, _ := event.Document()
		if key := FileKey(meta.FileName); key != "" {
			listedFiles[key] = struct{}{}
		}
	}

	winners := make(map[string]int)
	for i, event := range events {
		if !alive[i] || event.Category != activity.CategoryDocument || listed(event) {
			continue
		}
		meta, ok := event.Document()
		if !ok {
			continue
		}
		key := FileKey(meta.FileName)
		if key == "" {
			continue
		}
		if _, hit := listedFiles[key]; hit {
			alive[i] = false
			continue
		}
		current, seen := winners[key]
		if !seen {
			winners[key] = i
			continue
		}
		if better(event, events[current]) {
			alive[current] = false
			winners[key] = i
		} else {
			alive[i] = false
		}
	}
}

// ContentKey matches events that carry the same visible content within the
// same minute. Payment and document events are never content-matched.
func ContentKey(event activity.Event) (string, bool) {
	if event.Category.Financial() {
		return "", false
	}
	title := strings.ToLower(strings.TrimSpace(event.Title))
	if title == "" {
		return "", false
	}
	minute := event.OccurredAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return strings.Join([]string{string(event.Category), title, strings.ToLower(event.Author), minute}, "|"), true
}

// FileKey normalizes a file name so the same file from different lists
// collides.
func FileKey(name string) string {
	return slug.Make(strings.TrimSpace(name))
}

// suppressCrossSource drops status-log events whose text mentions a file or
// an amount that a first-class document or payment event already covers.
func suppressCrossSource(events []activity.Event, alive []bool) {
	files := make(map[string]struct{})
	amounts := make([]decimal.Decimal, 0)
	for i, event := range events {
		if !alive[i] {
			continue
		}
		switch event.SourceType {
		case activity.SourceDocument:
			if meta, ok := event.Document(); ok {
				files[FileKey(meta.FileName)] = struct{}{}
			}
		case activity.SourcePayment:
			if meta, ok := event.Payment(); ok && meta.Amount.IsPositive() {
				amounts = append(amounts, meta.Amount)
			}
		}
	}
	if len(files) == 0 && len(amounts) == 0 {
		return
	}

	for i, event := range events {
		if !alive[i] || event.SourceType != activity.SourceStatus {
			continue
		}
		text := event.Title + " " + event.Description
		if mentionsFile(text, event, files) || mentionsAmount(text, amounts) {
			alive[i] = false
		}
	}
}

func mentionsFile(text string, event activity.Event, files map[string]struct{}) bool {
	if len(files) == 0 {
		return false
	}
	if meta, ok := event.Document(); ok {
		if _, hit := files[FileKey(meta.FileName)]; hit {
			return true
		}
	}
	// Slugs are dash-separated tokens; padding keeps a match on whole
	// tokens so plan.pdf does not match floorplan.pdf.
	padded := "-" + slug.Make(text) + "-"
	for key := range files {
		if key != "" && strings.Contains(padded, "-"+key+"-") {
			return true
		}
	}
	return false
}

func mentionsAmount(text string, amounts []decimal.Decimal) bool {
	if len(amounts) == 0 {
		return false
	}
	for _, groups := range moneyPattern.FindAllStringSubmatch(text, -1) {
		match := groups[1]
		if match == "" {
			match = groups[2]
		}
		amount, err := finance.ParseAmount(strings.TrimRight(strings.TrimSpace(match), ".,"))
		if err != nil || !amount.IsPositive() {
			continue
		}
		for _, known := range amounts {
			if amount.Equal(known) {
				return true
			}
		}
	}
	return false
}

// better reports whether candidate should replace incumbent.
func better(candidate, incumbent activity.Event) bool {
	if cp, ip := priority(candidate), priority(incumbent); cp != ip {
		return cp > ip
	}
	if cr, ir := richness(candidate), richness(incumbent); cr != ir {
		return cr > ir
	}
	return candidate.Ordinal < incumbent.Ordinal
}

func priority(event activity.Event) int {
	score := sourcePriority[event.SourceType]
	if meta, ok := event.Document(); ok && event.SourceType == activity.SourceDocument {
		score += originBonus[meta.Origin]
	}
	return score
}

func richness(event activity.Event) int {
	score := 0
	switch meta := event.Metadata.(type) {
	case activity.DocumentMeta:
		if meta.FilePath != "" {
			score += 2
		}
		if meta.DocumentID != "" {
			score++
		}
	case activity.PaymentMeta:
		if !meta.Amount.IsZero() {
			score += 2
		}
		if meta.Method != "" {
			score++
		}
	case activity.OpportunityMeta:
		if !meta.Amount.IsZero() {
			score += 2
		}
	}
	if event.Description != "" {
		score++
	}
	return score
}
