package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

const (
	// MaxMovements caps how many movements a single page may yield.
	MaxMovements = 50
	// MaxTextRunes caps the description of one movement.
	MaxTextRunes = 160
	// FallbackRunes is how much text the best-effort movement keeps.
	FallbackRunes = 280

	// markerReach is how far before an "Andamento:" marker its date may sit.
	markerReach = 200

	movementSeparators = ".;|•-–—"
)

var (
	datePattern   = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4})`)
	markerPattern = regexp.MustCompile(`(?i)\bandamentos?\s*:\s*`)
)

// Rule extracts movements from normalized text for the hosts it matches.
type Rule interface {
	Name() string
	Match(host string) bool
	Movements(text string, limit int) []monitor.Movement
}

// GenericRule splits text at DD/MM/YYYY dates that open a movement. A
// description runs until the next such date or MaxTextRunes. Dates quoted
// inside a description, such as a deadline, stay part of its text.
type GenericRule struct{}

// Name implements Rule.
func (GenericRule) Name() string { return "generic" }

// Match implements Rule. The generic rule accepts any host.
func (GenericRule) Match(string) bool { return true }

// Movements implements Rule.
func (GenericRule) Movements(text string, limit int) []monitor.Movement {
	var dates [][]int
	for i, loc := range datePattern.FindAllStringSubmatchIndex(text, -1) {
		if i == 0 || opensMovement(text, loc) {
			dates = append(dates, loc)
		}
	}
	var out []monitor.Movement
	for i, loc := range dates {
		if len(out) == limit {
			break
		}
		end := len(text)
		if i+1 < len(dates) {
			end = dates[i+1][0]
		}
		desc := cleanText(text[loc[1]:end], MaxTextRunes)
		if desc == "" {
			continue
		}
		out = append(out, monitor.Movement{Date: text[loc[2]:loc[3]], Text: desc})
	}
	return out
}

// AggregatorRule handles pages from legal aggregators that label each
// movement as "DD/MM/YYYY ... Andamento: <text>".
type AggregatorRule struct {
	Hosts []string
}

// NewAggregatorRule returns the rule for jusbrasil.com.br.
func NewAggregatorRule() AggregatorRule {
	return AggregatorRule{Hosts: []string{"jusbrasil.com.br"}}
}

// Name implements Rule.
func (AggregatorRule) Name() string { return "aggregator" }

// Match implements Rule. Subdomains of a listed host match.
func (r AggregatorRule) Match(host string) bool {
	host = strings.ToLower(host)
	for _, h := range r.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Movements implements Rule.
func (AggregatorRule) Movements(text string, limit int) []monitor.Movement {
	dates := datePattern.FindAllStringSubmatchIndex(text, -1)
	markers := markerPattern.FindAllStringIndex(text, -1)
	var out []monitor.Movement
	for i, m := range markers {
		if len(out) == limit {
			break
		}
		date, ok := dateBefore(text, dates, m[0])
		if !ok {
			continue
		}
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		if next := firstDateAfter(dates, m[1]); next >= 0 && next < end {
			end = next
		}
		desc := cleanText(text[m[1]:end], MaxTextRunes)
		if desc == "" {
			continue
		}
		out = append(out, monitor.Movement{Date: date, Text: desc})
	}
	return out
}

// opensMovement reports whether the date at loc starts a new movement: it
// follows a separator, or it is followed by a separator, a capitalized word
// or another date.
func opensMovement(text string, loc []int) bool {
	before := strings.TrimRight(text[:loc[0]], " ")
	if before == "" {
		return true
	}
	if r, _ := utf8.DecodeLastRuneInString(before); strings.ContainsRune(movementSeparators, r) {
		return true
	}
	after := strings.TrimLeft(text[loc[1]:], " ")
	if after == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(after)
	return strings.ContainsRune(movementSeparators+":", r) || unicode.IsUpper(r) || unicode.IsDigit(r)
}

func dateBefore(text string, dates [][]int, pos int) (string, bool) {
	for i := len(dates) - 1; i >= 0; i-- {
		loc := dates[i]
		if loc[1] > pos {
			continue
		}
		if pos-loc[0] > markerReach {
			return "", false
		}
		return text[loc[2]:loc[3]], true
	}
	return "", false
}

func firstDateAfter(dates [][]int, pos int) int {
	for _, loc := range dates {
		if loc[0] >= pos {
			return loc[0]
		}
	}
	return -1
}
