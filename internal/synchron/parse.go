package synchron

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// DefaultMaxAppointments is how many appointment rows are read when unset.
const DefaultMaxAppointments = 5

// Row styles as rendered by the portal, compared with normalizeStyle.
var (
	rowStyle  = normalizeStyle("color: black; background: whitesmoke")
	dateStyle = normalizeStyle("color: white; background: #9BC7E6; width: 100px")
)

// Parse extracts appointments from the events page.
//
// The first limit appointment rows are considered (limit <= 0 means all);
// rows that do not have exactly five cells are skipped after the limit is
// applied. Each row takes its date from the nearest preceding date header row.
// contentType selects the body charset; empty means sniffing.
func Parse(r io.Reader, contentType string, limit int) ([]Appointment, error) {
	ur, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("decode events page: %w", err)
	}
	doc, err := html.Parse(ur)
	if err != nil {
		return nil, fmt.Errorf("parse events page: %w", err)
	}

	var (
		out    []Appointment
		header *html.Node
		seen   int
	)
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.DataAtom != atom.Tr {
			continue
		}
		switch normalizeStyle(attr(n, "style")) {
		case dateStyle:
			header = n
		case rowStyle:
			if limit > 0 && seen >= limit {
				continue
			}
			seen++
			if a, ok := parseRow(n, header); ok {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func parseRow(row, header *html.Node) (Appointment, bool) {
	cols := findAll(row, atom.Td)
	if len(cols) != 5 {
		return Appointment{}, false
	}

	var a Appointment
	if header != nil {
		if hc := findAll(header, atom.Td); len(hc) > 1 {
			a.Date = text(hc[1])
		}
	}

	span := strings.ReplaceAll(text(cols[0]), "\n", " ")
	if len(span) > 5 {
		a.StartTime = span[:5]
		a.EndTime = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(span[5:]), "-–"))
	} else {
		a.StartTime = span
	}

	if b := findAll(cols[1], atom.B); len(b) > 0 {
		a.Studio = text(b[0])
	}
	place := text(cols[1])
	if a.Studio != "" {
		place = strings.ReplaceAll(place, a.Studio, "")
	}
	a.Address = strings.TrimSpace(place)
	return a, true
}

// text concatenates the trimmed text nodes below n without separators.
func text(n *html.Node) string {
	var b strings.Builder
	for d := range n.Descendants() {
		if d.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(d.Data))
		}
	}
	return b.String()
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for d := range n.Descendants() {
		if d.Type == html.ElementNode && d.DataAtom == a {
			out = append(out, d)
		}
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func normalizeStyle(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, strings.TrimSuffix(strings.TrimSpace(s), ";"))
}

// csrfToken returns the value of the login form's _token input, or "".
func csrfToken(r io.Reader, contentType string) (string, error) {
	ur, err := charset.NewReader(r, contentType)
	if err != nil {
		return "", fmt.Errorf("decode login page: %w", err)
	}
	doc, err := html.Parse(ur)
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	for _, in := range findAll(doc, atom.Input) {
		if attr(in, "name") == "_token" {
			return attr(in, "value"), nil
		}
	}
	return "", nil
}
