// Package extract turns the text of a legal-process tracking page into dated
// movements using per-source heuristic rules, and derives the fingerprint
// used for change detection.
//
// Source pages are uncontrolled and change markup often, so rules work on
// normalized text with regular expressions rather than on a DOM.
package extract
