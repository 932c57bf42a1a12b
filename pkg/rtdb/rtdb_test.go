package rtdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flightdesk/flightsync/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeFirebase struct {
	mu       sync.Mutex
	signIns  int
	refresh  int
	patches  map[string]string
	password string
	block    chan struct{}

	// signInBlock holds sign-in requests until closed.
	signInBlock chan struct{}
}

func newFakeFirebase(t *testing.T) (*fakeFirebase, *httptest.Server) {
	fb := &fakeFirebase{patches: map[string]string{}, password: "secret"}
	mux := http.NewServeMux()

	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.signIns++
		fb.mu.Unlock()
		if fb.signInBlock != nil {
			<-fb.signInBlock
		}
		if r.URL.Query().Get("key") != "api-key" || gjson.GetBytes(b, "password").String() != fb.password {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"code":400,"message":"INVALID_PASSWORD"}}`)
			return
		}
		io.WriteString(w, `{"idToken":"id-1","refreshToken":"rt-1","expiresIn":"3600"}`)
	})

	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fb.mu.Lock()
		fb.refresh++
		fb.mu.Unlock()
		if r.PostForm.Get("refresh_token") != "rt-1" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"INVALID_REFRESH_TOKEN"}}`)
			return
		}
		io.WriteString(w, `{"id_token":"id-2","refresh_token":"rt-1","expires_in":"3600"}`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if fb.block != nil {
			<-fb.block
		}
		if r.URL.Query().Get("auth") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"Permission denied"}`)
			return
		}
		b, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.patches[r.URL.Path] = string(b)
		fb.mu.Unlock()
		w.Write(b)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	c, err := New(Config{
		APIKey:      "api-key",
		DatabaseURL: srv.URL + "/",
		Email:       "ops@example.com",
		Password:    "secret",
		SignInURL:   srv.URL + "/signin",
		RefreshURL:  srv.URL + "/refresh",
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{DatabaseURL: "https://x.firebaseio.com"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestConnectAndUpdate(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	c := newTestClient(t, srv)

	assert.False(t, c.Ready())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Ready())

	res, ok := c.Update(context.Background(), "/flights/Islamabad/Departure", []byte(`{"2601310810_QR345":{"flnr":"QR 345"}}`)).Wait(5 * time.Second)
	require.True(t, ok)
	require.NoError(t, res.Err)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, `{"2601310810_QR345":{"flnr":"QR 345"}}`, fb.patches["/flights/Islamabad/Departure.json"])
	assert.Equal(t, 1, fb.signIns)
}

func TestSignInFailure(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	fb.password = "other"
	c := newTestClient(t, srv)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)

	var rerr *remote.Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 400, rerr.Code)
	assert.Equal(t, "INVALID_PASSWORD", rerr.Message)
	assert.False(t, c.Ready())
}

func TestConnectRefreshesExpiredToken(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Connect(context.Background()))

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.False(t, c.Ready())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Ready())
	assert.Equal(t, "id-2", c.idToken)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 1, fb.signIns)
	assert.Equal(t, 1, fb.refresh)
}

func TestReadyDoesNotWaitForSignIn(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()
	fb.signInBlock = release
	c := newTestClient(t, srv)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.signIns == 1
	}, 2*time.Second, 5*time.Millisecond)

	ready := make(chan bool, 1)
	go func() { ready <- c.Ready() }()
	select {
	case r := <-ready:
		assert.False(t, r)
	case <-time.After(time.Second):
		t.Fatal("Ready blocked while a sign-in was in flight")
	}

	unblock()
	require.NoError(t, <-done)
	assert.True(t, c.Ready())
}

func TestResetSignsInAgain(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	c := newTestClient(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Reset(context.Background()))
	assert.True(t, c.Ready())

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 2, fb.signIns)
}

func TestUpdateWithoutTokenFailsFast(t *testing.T) {
	_, srv := newFakeFirebase(t)
	c := newTestClient(t, srv)

	res, ok := c.Update(context.Background(), "/x", []byte(`{}`)).Wait(0)
	require.True(t, ok)
	var rerr *remote.Error
	require.True(t, errors.As(res.Err, &rerr))
	assert.Equal(t, http.StatusUnauthorized, rerr.Code)
}

func TestUpdateCancelledByContext(t *testing.T) {
	fb, srv := newFakeFirebase(t)
	fb.block = make(chan struct{})
	defer close(fb.block)

	c := newTestClient(t, srv)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	f := c.Update(ctx, "/flights/Islamabad/Arrival", []byte(`{}`))

	_, ok := f.Wait(50 * time.Millisecond)
	assert.False(t, ok)

	cancel()
	res, ok := f.Wait(5 * time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
