// Package portal scrapes flight tables from the airport's legacy WebDavis
// portal: it captures a PHP session token, then pages through the table for
// one configured source and hands every assembled row to the extractor.
package portal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/flightdesk/flightsync/pkg/extract"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/metrics"
	"github.com/flightdesk/flightsync/pkg/whttp"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

const (
	DefaultURL       = "http://172.17.16.4/isb/maxcs/WebDavis/index.php"
	DefaultTimeout   = 10 * time.Second
	DefaultPageDelay = 8500 * time.Millisecond
	DefaultMaxPages  = 100

	PageIcon = "📥"

	sessionCookie    = "PHPSESSID"
	maxBootstrapBody = 512 << 10
	maxLineLength    = 1 << 20
	sampleLength     = 300
)

var (
	ErrSessionMissing = errors.New("portal session token not found")
	ErrRequestFailed  = errors.New("portal request failed")

	// ErrDeadline is returned when the next page slot lies past the
	// context deadline.
	ErrDeadline = errors.New("portal page slot past deadline")
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// StatusSink receives human readable progress, e.g.
// "Departure (International) - Page 2 of 5".
type StatusSink interface {
	SetStatus(message, icon string)
}

// RowSink receives every row extracted from a source.
type RowSink func(row extract.Row)

// Source is one configured portal view.
type Source struct {
	Name        string `mapstructure:"name" json:"name"`
	Config      string `mapstructure:"config" json:"config"`
	Category    string `mapstructure:"category" json:"category"`
	SubCategory string `mapstructure:"subcategory" json:"subcategory"`
}

func (s Source) String() string {
	if s.Name != "" {
		return s.Name
	}
	if s.SubCategory != "" {
		return s.Category + "/" + s.SubCategory
	}
	return s.Category
}

// SourceResult summarizes one source fetch.
type SourceResult struct {
	Source  Source
	Pages   int
	Rows    int
	Dropped int
}

type Options struct {
	URL       string
	Timeout   time.Duration
	PageDelay time.Duration
	MaxPages  int
	UserAgent string
	Proxy     string
	Status    StatusSink // optional
	Log       Logger     // optional; nil = no logging
}

type Client struct {
	opts      Options
	transport http.RoundTripper
	limiter   *rate.Limiter
	log       Logger
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid portal URL: %v", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	log := opts.Log
	if log == nil {
		log = nopLogger{}
	}

	tr, err := whttp.NewTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:      opts,
		transport: tr,
		limiter:   rate.NewLimiter(rate.Every(opts.PageDelay), 1),
		log:       log,
	}, nil
}

// FetchSource scrapes every page of src and passes each extracted row to
// sink. Any HTTP failure abandons the source; rows already emitted stay
// emitted.
func (c *Client) FetchSource(ctx context.Context, src Source, sink RowSink) (*SourceResult, error) {
	cat, checkIn, ok := flight.ResolveCategory(src.Category)
	if !ok {
		return nil, fmt.Errorf("source %s: unknown category %q", src, src.Category)
	}
	esrc := extract.Source{Category: cat, CheckIn: checkIn, SubCategory: src.SubCategory}

	hc, err := whttp.NewSessionClient(c.transport, c.opts.Timeout)
	if err != nil {
		return nil, err
	}

	result := &SourceResult{Source: src}
	st := newScrapeState()
	if err := c.bootstrap(ctx, hc, st); err != nil {
		metrics.SourceFailures.WithLabelValues(src.String(), failureReason(err)).Inc()
		return result, fmt.Errorf("source %s: %w", src, err)
	}
	c.log.Debugf("Portal session for %s: %s", src, st.session)

	asm := &rowAssembler{}
	emit := func(fragment string) {
		row, err := extract.ExtractRow(fragment, esrc)
		if err != nil {
			result.Dropped++
			if errors.Is(err, extract.ErrIncompleteRow) {
				metrics.PortalRowsDropped.WithLabelValues("incomplete").Inc()
			} else {
				metrics.PortalRowsDropped.WithLabelValues("invalid_key").Inc()
				c.log.Debugf("Dropping row from %s: %v", src, err)
			}
			return
		}
		result.Rows++
		metrics.PortalRows.WithLabelValues(string(row.Category)).Inc()
		sink(row)
	}

	for {
		prevPage := st.page
		first := result.Pages == 0

		form := url.Values{}
		form.Set("PHPSESSID", st.session)
		if first {
			form.Set("configs", src.Config)
		} else {
			form.Set("n", ">")
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The limiter refuses up front when the slot would miss the deadline.
				err = ErrDeadline
			}
			result.Dropped += asm.dropped
			metrics.SourceFailures.WithLabelValues(src.String(), failureReason(err)).Inc()
			return result, fmt.Errorf("source %s: waiting for page slot: %w", src, err)
		}
		if err := c.fetchPage(ctx, hc, form, st, asm, emit, src); err != nil {
			result.Dropped += asm.dropped
			metrics.SourceFailures.WithLabelValues(src.String(), failureReason(err)).Inc()
			return result, fmt.Errorf("source %s page %d: %w", src, result.Pages+1, err)
		}
		result.Pages++
		metrics.PortalPages.WithLabelValues(src.String()).Inc()

		if !st.morePages() {
			break
		}
		if !first && st.page == prevPage {
			c.log.Warnf("Portal page for %s did not advance past %d of %d, stopping", src, st.page, st.pages)
			break
		}
		if result.Pages >= c.opts.MaxPages {
			c.log.Warnf("Stopping %s after %d pages (portal reports %d)", src, result.Pages, st.pages)
			break
		}
	}

	result.Dropped += asm.dropped
	return result, nil
}

// bootstrap loads the landing page and finds the session token. The page is
// streamed line by line first; the parsed form and then the cookie jar are
// tried when the line scan comes up empty.
func (c *Client) bootstrap(ctx context.Context, hc *http.Client, st *scrapeState) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return err
	}
	whttp.SetCommonHeaders(req, c.opts.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: landing page returned %d", ErrRequestFailed, resp.StatusCode)
	}

	body, err := decodedReader(resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	// Reading stops at the first line carrying the token. Lines before it
	// are kept, up to maxBootstrapBody, for the fallbacks below.
	var seen strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		if tok, ok := captureSession(line); ok {
			st.session, st.sessionFound = tok, true
			return nil
		}
		if seen.Len() < maxBootstrapBody {
			seen.WriteString(line)
			seen.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading landing page: %v", ErrRequestFailed, err)
	}
	page := seen.String()

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page)); err == nil {
		if v, ok := doc.Find("input[name=PHPSESSID]").First().Attr("value"); ok && v != "" {
			st.session, st.sessionFound = v, true
			return nil
		}
	}

	for _, cookie := range hc.Jar.Cookies(resp.Request.URL) {
		if cookie.Name == sessionCookie && cookie.Value != "" {
			st.session, st.sessionFound = cookie.Value, true
			return nil
		}
	}

	title, _ := whttp.HTMLTitle(page)
	c.log.Warnf("No session token on portal landing page (title %q): %s", title, whttp.TextSample(page, sampleLength))
	return ErrSessionMissing
}

func (c *Client) fetchPage(ctx context.Context, hc *http.Client, form url.Values, st *scrapeState, asm *rowAssembler, emit func(string), src Source) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	whttp.SetCommonHeaders(req, c.opts.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	body, err := decodedReader(resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		if st.observe(line) && c.opts.Status != nil {
			c.opts.Status.SetStatus(pageStatus(src, st.page, st.pages), PageIcon)
		}
		asm.feed(line, emit)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading page: %v", ErrRequestFailed, err)
	}
	return nil
}

func pageStatus(src Source, page, pages int) string {
	label := src.Category
	if src.SubCategory != "" {
		label += " (" + src.SubCategory + ")"
	}
	return fmt.Sprintf("%s - Page %d of %d", label, page, pages)
}

// decodedReader converts the body to UTF-8 based on the Content-Type header
// and the document's meta tags.
func decodedReader(resp *http.Response) (io.Reader, error) {
	return charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionMissing):
		return "session_missing"
	case errors.Is(err, ErrRequestFailed):
		return "request_failed"
	case errors.Is(err, ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	}
	return "error"
}
