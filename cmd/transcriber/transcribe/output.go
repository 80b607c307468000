package transcribe

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

var (
	segmentSanitizationSpacesRE = regexp.MustCompile(`\s+`)
	// We allow spaces, dots, digits and letters in both ASCII and foreign alphabets.
	segmentSanitizationSpecialRE = regexp.MustCompile(`[^\s\d\pL\pN.]`)
)

type namedSegment struct {
	Segment
	Speaker string
}

// sanitize strips unwanted characters from both fields and, if escape is
// non-nil, runs it over the result (the WebVTT writer html-escapes; the
// plain-text writer doesn't need to).
func (ns *namedSegment) sanitize(escape func(string) string) {
	// Remove unwanted special characters
	ns.Speaker = segmentSanitizationSpecialRE.ReplaceAllString(ns.Speaker, "")

	// Remove any left extra space
	ns.Text = strings.TrimSpace(ns.Text)
	ns.Speaker = strings.TrimSpace(ns.Speaker)
	ns.Text = segmentSanitizationSpacesRE.ReplaceAllString(ns.Text, " ")
	ns.Speaker = segmentSanitizationSpacesRE.ReplaceAllString(ns.Speaker, " ")

	if escape != nil {
		ns.Text = escape(ns.Text)
		ns.Speaker = escape(ns.Speaker)
	}
}

func (t Transcription) interleave() []namedSegment {
	var nss []namedSegment

	for _, trackTr := range t {
		for _, s := range trackTr.Segments {
			var ns namedSegment
			ns.Segment = s
			ns.Speaker = trackTr.Speaker
			nss = append(nss, ns)
		}
	}

	sort.Slice(nss, func(i, j int) bool {
		return nss[i].StartTS < nss[j].StartTS
	})

	return nss
}

func (t Transcription) Text(w io.Writer) error {
	for i, s := range t.interleave() {
		s.sanitize(nil)

		nl := "\n"
		if i == 0 {
			nl = ""
		}
		_, err := fmt.Fprintf(w, "%s%v -> %v\n", nl, vttTS(s.StartTS, false), vttTS(s.EndTS, false))
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n%s\n", s.Speaker, s.Text)
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}
