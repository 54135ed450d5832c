package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestExtractor() *Extractor {
	return New(Options{
		Clock:    fixedClock{t: time.Date(2024, 3, 7, 15, 0, 0, 0, time.UTC)},
		Location: time.UTC,
	})
}

func TestNormalizeStripsMarkupAndWhitespace(t *testing.T) {
	t.Parallel()

	raw := `<html><head><style>p{color:red}</style><script>var d="01/01/1999";</script></head>
<body><p>10/01/2024</p>
   <p>Distribuído&nbsp;por   sorteio</p></body></html>`
	got := Normalize(raw)
	require.NotContains(t, got, "01/01/1999")
	require.NotContains(t, got, "color")
	require.Equal(t, "10/01/2024 Distribuído por sorteio", got)
}

func TestNormalizePlainText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", Normalize("  a\n\tb   c \n"))
	require.Equal(t, "", Normalize(" \n\t "))
}

func TestGenericRuleSplitsOnDates(t *testing.T) {
	t.Parallel()

	text := "Movimentações 12/02/2024 - Concluso para Despacho 10/01/2024: Distribuído por sorteio"
	got := GenericRule{}.Movements(text, MaxMovements)
	require.Equal(t, []monitor.Movement{
		{Date: "12/02/2024", Text: "Concluso para Despacho"},
		{Date: "10/01/2024", Text: "Distribuído por sorteio"},
	}, got)
}

func TestGenericRuleCapsTextAndCount(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("á", 400)
	got := GenericRule{}.Movements("01/01/2024 "+long, MaxMovements)
	require.Len(t, got, 1)
	require.Equal(t, MaxTextRunes, len([]rune(got[0].Text)))

	var b strings.Builder
	for i := 0; i < 80; i++ {
		b.WriteString("05/05/2024 Evento ")
	}
	require.Len(t, GenericRule{}.Movements(b.String(), MaxMovements), MaxMovements)
}

func TestGenericRuleKeepsInlineDatesInDescription(t *testing.T) {
	t.Parallel()

	text := "12/03/2024 Intimação: prazo até 20/03/2024 para manifestação 11/03/2024 - Juntada de AR"
	got := GenericRule{}.Movements(text, MaxMovements)
	require.Equal(t, []monitor.Movement{
		{Date: "12/03/2024", Text: "Intimação: prazo até 20/03/2024 para manifestação"},
		{Date: "11/03/2024", Text: "Juntada de AR"},
	}, got)
}

func TestGenericRuleSplitsAfterSeparator(t *testing.T) {
	t.Parallel()

	got := GenericRule{}.Movements("01/02/2024 autos recebidos; 03/02/2024 vista ao réu", MaxMovements)
	require.Equal(t, []monitor.Movement{
		{Date: "01/02/2024", Text: "autos recebidos;"},
		{Date: "03/02/2024", Text: "vista ao réu"},
	}, got)
}

func TestGenericRuleSkipsEmptyDescriptions(t *testing.T) {
	t.Parallel()

	got := GenericRule{}.Movements("01/02/2024 02/02/2024 Juntada de petição", MaxMovements)
	require.Equal(t, []monitor.Movement{{Date: "02/02/2024", Text: "Juntada de petição"}}, got)
}

func TestAggregatorRule(t *testing.T) {
	t.Parallel()

	text := "Processo 0001234-56.2024.8.26.0100 15/03/2024 TJSP Andamento: Concluso para decisão " +
		"14/03/2024 Andamentos: Juntada de petição intermediária 01/01/2020 sem marcador"
	got := NewAggregatorRule().Movements(text, MaxMovements)
	require.Equal(t, []monitor.Movement{
		{Date: "15/03/2024", Text: "Concluso para decisão"},
		{Date: "14/03/2024", Text: "Juntada de petição intermediária"},
	}, got)
}

func TestAggregatorRuleNeedsNearbyDate(t *testing.T) {
	t.Parallel()

	text := "10/01/2024 " + strings.Repeat("x", 250) + " Andamento: distante"
	require.Empty(t, NewAggregatorRule().Movements(text, MaxMovements))
}

func TestAggregatorRuleMatchesSubdomains(t *testing.T) {
	t.Parallel()

	r := NewAggregatorRule()
	require.True(t, r.Match("jusbrasil.com.br"))
	require.True(t, r.Match("www.JusBrasil.com.br"))
	require.False(t, r.Match("esaj.tjsp.jus.br"))
}

func TestExtractorSelectsRuleByHost(t *testing.T) {
	t.Parallel()

	e := newTestExtractor()
	require.Equal(t, "aggregator", e.RuleFor("https://www.jusbrasil.com.br/processos/123").Name())
	require.Equal(t, "generic", e.RuleFor("https://esaj.tjsp.jus.br/cpopg").Name())
	require.Equal(t, "generic", e.RuleFor("/api/test/process-page?rev=1").Name())
}

func TestExtractSummaryIsFirstMovement(t *testing.T) {
	t.Parallel()

	got := newTestExtractor().Extract("<p>10/01/2024 Distribuído</p><p>09/01/2024 Autuado</p>", "https://tj.example.com/p")
	require.Equal(t, "Distribuído", got.Summary)
	require.Len(t, got.Movements, 2)
}

func TestExtractFallbackSnippet(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("sem datas aqui ", 40)
	got := newTestExtractor().Extract(text, "https://tj.example.com/p")
	require.Len(t, got.Movements, 1)
	require.Equal(t, "07/03/2024", got.Movements[0].Date)
	require.Equal(t, FallbackRunes, len([]rune(got.Movements[0].Text)))
	require.Equal(t, got.Movements[0].Text, got.Summary)
}

func TestExtractAggregatorWithoutMarkersUsesGenericRule(t *testing.T) {
	t.Parallel()

	text := "Andamentos: 12/03/2024 Distribuído por sorteio 13/03/2024 Concluso para decisão"
	got := newTestExtractor().Extract(text, "https://www.jusbrasil.com.br/p/1")
	require.Equal(t, []monitor.Movement{
		{Date: "12/03/2024", Text: "Distribuído por sorteio"},
		{Date: "13/03/2024", Text: "Concluso para decisão"},
	}, got.Movements)
	require.Equal(t, "Distribuído por sorteio", got.Summary)
}

func TestExtractAggregatorWithoutDatesSynthesizesSnippet(t *testing.T) {
	t.Parallel()

	got := newTestExtractor().Extract("Processo em segredo de justiça", "https://www.jusbrasil.com.br/p/1")
	require.Len(t, got.Movements, 1)
	require.Equal(t, "07/03/2024", got.Movements[0].Date)
	require.Equal(t, "Processo em segredo de justiça", got.Summary)
}

func TestExtractEmptyText(t *testing.T) {
	t.Parallel()

	got := newTestExtractor().Extract("<html><body> </body></html>", "https://tj.example.com/p")
	require.Equal(t, NoDataSummary, got.Summary)
	require.Empty(t, got.Movements)
}

func TestExtractWithCustomRule(t *testing.T) {
	t.Parallel()

	e := New(Options{Rules: []Rule{stubRule{}}})
	got := e.Extract("anything", "https://custom.example.com/x")
	require.Equal(t, "custom", got.Summary)
}

type stubRule struct{}

func (stubRule) Name() string           { return "stub" }
func (stubRule) Match(host string) bool { return host == "custom.example.com" }
func (stubRule) Movements(string, int) []monitor.Movement {
	return []monitor.Movement{{Date: "01/01/2024", Text: "custom"}}
}
