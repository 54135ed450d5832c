package extract

import "github.com/rafaelwaynne/procwatch/internal/monitor"

// FingerprintRunes is the length of a fingerprint.
const FingerprintRunes = 140

// Fingerprint reduces an extraction to the leading runes of its summary. Only
// the newest movement matters, so noise elsewhere on the page is ignored; a
// new movement worded exactly like the previous one goes unnoticed.
func Fingerprint(ex monitor.Extraction) string {
	return truncateRunes(ex.Summary, FingerprintRunes)
}
