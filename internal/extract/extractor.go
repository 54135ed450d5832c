package extract

import (
	"net/url"
	"time"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// NoDataSummary is the summary reported for empty pages.
const NoDataSummary = "Sem dados"

// DateLayout is the DD/MM/YYYY layout used by movements.
const DateLayout = "02/01/2006"

// Options configures an Extractor.
type Options struct {
	// Rules are tried in order by host; the first match wins. Nil means
	// DefaultRules.
	Rules []Rule
	// Fallback handles hosts no rule matches. Nil means GenericRule.
	Fallback Rule
	Clock    monitor.Clock
	// Location sets the calendar day of best-effort movements. Nil means
	// time.Local.
	Location *time.Location
}

// DefaultRules returns the source-specific rules shipped with the service.
func DefaultRules() []Rule {
	return []Rule{NewAggregatorRule()}
}

// Extractor implements monitor.Extractor.
type Extractor struct {
	rules    []Rule
	fallback Rule
	clock    monitor.Clock
	loc      *time.Location
}

// New builds an Extractor.
func New(opts Options) *Extractor {
	e := &Extractor{
		rules:    opts.Rules,
		fallback: opts.Fallback,
		clock:    opts.Clock,
		loc:      opts.Location,
	}
	if e.rules == nil {
		e.rules = DefaultRules()
	}
	if e.fallback == nil {
		e.fallback = GenericRule{}
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	return e
}

// RuleFor returns the rule applied to sourceURL.
func (e *Extractor) RuleFor(sourceURL string) Rule {
	r, _ := e.hostRule(sourceURL)
	return r
}

// hostRule reports the rule for sourceURL and whether a host rule matched.
func (e *Extractor) hostRule(sourceURL string) (Rule, bool) {
	host := ""
	if u, err := url.Parse(sourceURL); err == nil {
		host = u.Hostname()
	}
	if host != "" {
		for _, r := range e.rules {
			if r.Match(host) {
				return r, true
			}
		}
	}
	return e.fallback, false
}

// Extract implements monitor.Extractor. When the host rule finds nothing the
// fallback rule is tried before a best-effort movement is synthesized, so
// non-empty text always yields at least one movement.
func (e *Extractor) Extract(rawText, sourceURL string) monitor.Extraction {
	text := Normalize(rawText)
	if text == "" {
		return monitor.Extraction{Summary: NoDataSummary, Movements: []monitor.Movement{}}
	}

	rule, matched := e.hostRule(sourceURL)
	movements := rule.Movements(text, MaxMovements)
	if len(movements) == 0 && matched {
		movements = e.fallback.Movements(text, MaxMovements)
	}
	if len(movements) == 0 {
		movements = []monitor.Movement{{
			Date: e.now().In(e.loc).Format(DateLayout),
			Text: truncateRunes(text, FallbackRunes),
		}}
	}
	return monitor.Extraction{Summary: movements[0].Text, Movements: movements}
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock.Now()
}
