package portal

import (
	"strconv"
	"strings"
)

// maxFragment bounds one assembled row. Anything larger is not a flight row.
const maxFragment = 256 << 10

var rowStartMarkers = []string{
	"<tr class='row_1'>",
	"<tr class='row_0'>",
	`<tr class="row_1">`,
	`<tr class="row_0">`,
}

const rowEndMarker = "</tr>"

// scrapeState is the per-fetch pagination and session context. A fresh one
// is made for every source; nothing about a scrape lives outside it.
type scrapeState struct {
	page         int
	pages        int
	session      string
	sessionFound bool
}

func newScrapeState() *scrapeState {
	return &scrapeState{page: -1, pages: -1}
}

// observe updates the state from one line. It reports whether the line
// carried a page marker.
func (s *scrapeState) observe(line string) (pageMarker bool) {
	if tok, ok := captureSession(line); ok {
		s.session = tok
		s.sessionFound = true
	}
	if page, pages, ok := parsePageInfo(line); ok {
		s.page, s.pages = page, pages
		return true
	}
	return false
}

func (s *scrapeState) morePages() bool {
	return s.page < s.pages
}

// captureSession finds a PHPSESSID form field on the line and returns its
// value. Both quote styles are accepted; the value ends at the quote it
// was opened with.
func captureSession(line string) (string, bool) {
	at := strings.Index(line, "name='PHPSESSID'")
	if at < 0 {
		at = strings.Index(line, `name="PHPSESSID"`)
	}
	if at < 0 {
		return "", false
	}
	rest := line[at:]

	v := strings.Index(rest, "value=")
	if v < 0 || v+len("value=") >= len(rest) {
		return "", false
	}
	rest = rest[v+len("value="):]
	quote := rest[0]
	if quote != '\'' && quote != '"' {
		return "", false
	}
	end := strings.IndexByte(rest[1:], quote)
	if end <= 0 {
		return "", false
	}
	return rest[1 : 1+end], true
}

// parsePageInfo reads "Page: X from Y (" markers.
func parsePageInfo(line string) (page, pages int, ok bool) {
	p := strings.Index(line, "Page:")
	if p < 0 {
		return 0, 0, false
	}
	rest := line[p+len("Page:"):]
	f := strings.Index(rest, "from")
	if f < 0 {
		return 0, 0, false
	}
	paren := strings.IndexByte(rest[f:], '(')
	if paren < 0 {
		return 0, 0, false
	}

	page, err := strconv.Atoi(strings.TrimSpace(rest[:f]))
	if err != nil {
		return 0, 0, false
	}
	pages, err = strconv.Atoi(strings.TrimSpace(rest[f+len("from") : f+paren]))
	if err != nil {
		return 0, 0, false
	}
	return page, pages, true
}

// rowAssembler joins the lines of one <tr> into a single fragment.
type rowAssembler struct {
	open    bool
	discard bool
	buf     strings.Builder
	dropped int
}

// feed consumes one line and calls emit for every row it completes. A row
// may open and close on the same line, and a line may close one row and
// open the next.
func (a *rowAssembler) feed(line string, emit func(fragment string)) {
	line = strings.TrimSpace(line)
	for line != "" {
		if !a.open {
			i := rowStartIndex(line)
			if i < 0 {
				return
			}
			a.open = true
			a.discard = false
			a.buf.Reset()
			line = line[i:]
		}

		end := strings.Index(line, rowEndMarker)
		if end < 0 {
			a.add(line)
			return
		}
		a.add(line[:end+len(rowEndMarker)])
		if a.discard {
			a.dropped++
		} else {
			emit(a.buf.String())
		}
		a.open = false
		a.buf.Reset()
		line = strings.TrimSpace(line[end+len(rowEndMarker):])
	}
}

func (a *rowAssembler) add(chunk string) {
	if a.discard {
		return
	}
	if a.buf.Len()+len(chunk)+1 > maxFragment {
		a.discard = true
		a.buf.Reset()
		return
	}
	if a.buf.Len() > 0 {
		a.buf.WriteByte(' ')
	}
	a.buf.WriteString(chunk)
}

func rowStartIndex(line string) int {
	best := -1
	for _, m := range rowStartMarkers {
		if i := strings.Index(line, m); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}
