package cycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/remote"
	"github.com/flightdesk/flightsync/pkg/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landing = `<html><head><title>WebDavis</title></head><body>
<form method='post'>
<input type='hidden' name='PHPSESSID' value='abc123'>
</form></body></html>`

// memStore is a remote.Store that accepts every write.
type memStore struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (s *memStore) Connect(context.Context) error { return nil }
func (s *memStore) Ready() bool                   { return true }
func (s *memStore) Reset(context.Context) error   { return nil }

func (s *memStore) Update(_ context.Context, path string, body []byte) *remote.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	s.bodies = append(s.bodies, string(body))
	return remote.Completed(remote.Result{Payload: body})
}

// portalServer serves the landing page on GET and pages[i] for the i-th
// POST. POSTs without the session token get a 403.
func portalServer(pages func(n int) string) *httptest.Server {
	var posts int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodGet {
			fmt.Fprint(w, landing)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("PHPSESSID") != "abc123" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, pages(int(atomic.AddInt32(&posts, 1))))
	}))
}

func newPortal(t *testing.T, url string, delay time.Duration) *portal.Client {
	c, err := portal.New(portal.Options{URL: url, PageDelay: delay, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestRunPortalToStore(t *testing.T) {
	srv := portalServer(func(int) string {
		return "<table>\n<tr class='row_1'>\n" +
			"<td title='Field:stm'>Value:2601310810</td>\n" +
			"<td title='Field:flnr'>Value:QR 345 2015</td>\n" +
			"<td title='Field:blt1'>Value:B1</td>\n" +
			"</tr>\n</table>\n"
	})
	defer srv.Close()

	store := &memStore{}
	engine := syncer.New(store, syncer.Config{Root: "/flights/Islamabad", InitialTimeout: time.Second}, nil)

	res, err := Run(context.Background(), Config{
		Sources: []portal.Source{{Name: "dep", Config: "configs/FREE/departure_all_int.cfg", Category: "Departure"}},
		Portal:  newPortal(t, srv.URL, time.Millisecond),
		Engine:  engine,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status())
	assert.Equal(t, 1, res.Pushed)

	require.Len(t, store.paths, 1)
	assert.Equal(t, "/flights/Islamabad/Departure/2601310810_QR345", store.paths[0])
	assert.JSONEq(t, `{"stm":"2601310810","flnr":"QR 345","blt1":"B1"}`, store.bodies[0])
}

func TestRunStopsScrapingWhenBudgetRunsOut(t *testing.T) {
	srv := portalServer(func(n int) string {
		return fmt.Sprintf("<div>Page: %d from 4 (1 flights)</div>\n<table>\n"+
			"<tr class='row_0'><td title='Field:stm'>Value:26013108%02d</td><td title='Field:flnr'>Value:PK %d</td></tr>\n"+
			"</table>\n", n, n, 300+n)
	})
	defer srv.Close()

	pusher := &fakePusher{}
	budget := 120 * time.Millisecond
	sources := []portal.Source{
		{Name: "dep", Config: "dep.cfg", Category: "Departure"},
		{Name: "arr", Config: "arr.cfg", Category: "Arrival"},
	}

	// 4 pages per source at one page every 50ms cannot fit in the budget.
	res, err := Run(context.Background(), Config{
		Sources: sources,
		Portal:  newPortal(t, srv.URL, 50*time.Millisecond),
		Engine:  pusher,
		Budget:  budget,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.SourcesOK)
	assert.Equal(t, 2, res.SourcesFailed)
	assert.Equal(t, "failed", res.Status())
	assert.Less(t, res.FinishedAt.Sub(res.StartedAt), time.Second)

	var budgetErr bool
	for _, e := range res.Errors {
		budgetErr = budgetErr || errors.Is(e, ErrBudgetExceeded)
	}
	assert.True(t, budgetErr, "no budget error in %v", res.Errors)

	// Rows scraped before the cut-off are still pushed.
	assert.Positive(t, res.Rows)
	assert.Equal(t, res.TotalRecords(), res.Pushed)
	assert.Zero(t, res.PushFailures)
}
