package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blinktest/blinktest/internal/auth"
	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/objectstore"
	"github.com/blinktest/blinktest/internal/ratelimit"
	"github.com/blinktest/blinktest/internal/realtime"
	"github.com/blinktest/blinktest/internal/server"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/testutil"
)

type testEnv struct {
	srv     *server.Server
	store   *store.SQLiteStore
	auth    *auth.Service
	objects *objectstore.Local
	broker  *realtime.Memory
	clock   clockwork.FakeClock
}

func setupTestServer(t *testing.T, opts ...func(*server.Options)) *testEnv {
	t.Helper()

	s := testutil.SetupTestStore(t)
	objects, err := objectstore.NewLocal(t.TempDir(), "/thumbnails/")
	if err != nil {
		t.Fatalf("failed to create object store: %v", err)
	}

	env := &testEnv{
		store:   s,
		auth:    auth.NewService(s, "test-secret"),
		objects: objects,
		broker:  realtime.NewMemory(),
		clock:   clockwork.NewFakeClock(),
	}

	o := server.Options{
		Store:          s,
		Auth:           env.auth,
		Objects:        objects,
		Broker:         env.broker,
		Clock:          env.clock,
		CleanupOrphans: true,
		// Polling helpers send far more than the production limit.
		Limiter:        ratelimit.New(1_000_000, time.Minute, env.clock),
	}
	for _, fn := range opts {
		fn(&o)
	}
	env.srv = server.New(o)
	t.Cleanup(env.srv.Registry().Stop)
	return env
}

// signUp creates a member and returns its session cookie.
func (e *testEnv) signUp(t *testing.T, email, name string) (*store.Profile, *http.Cookie) {
	t.Helper()
	sess, err := e.auth.SignUp(context.Background(), auth.SignUpInput{Email: email, Password: "secret1", Name: name})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	return sess.Profile, &http.Cookie{Name: "bt_session", Value: sess.Token}
}

func (e *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil), cookies...)
}

func (e *testEnv) postJSON(path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(http.MethodPost, path, r)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, cookies...)
}

func (e *testEnv) postUpload(t *testing.T, path, filename string, data []byte, fields map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if data != nil {
		fw, err := mw.CreateFormFile("thumbnail", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(req, cookies...)
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) flow.Snapshot {
	t.Helper()
	var snap flow.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v (body %q)", err, w.Body.String())
	}
	return snap
}

type errorBody struct {
	Error    string         `json:"error"`
	Snapshot *flow.Snapshot `json:"snapshot"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error: %v (body %q)", err, w.Body.String())
	}
	return body
}

func (e *testEnv) snapshot(t *testing.T, id string, cookie *http.Cookie) flow.Snapshot {
	t.Helper()
	w := e.get("/api/flows/"+id, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("GET flow: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decodeSnapshot(t, w)
}

func (e *testEnv) waitPhase(t *testing.T, id string, cookie *http.Cookie, want flow.Phase, countdown int) flow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := e.snapshot(t, id, cookie)
		if snap.Phase == want && (want != flow.PhaseCountdown || snap.Countdown == countdown) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, stuck in %s/%d (error %q)", want, snap.Phase, snap.Countdown, snap.Error)
		}
		time.Sleep(time.Millisecond)
	}
}

// driveToRespond takes a started flow through the countdown and the flash.
func (e *testEnv) driveToRespond(t *testing.T, id string, cookie *http.Cookie) {
	t.Helper()
	for _, n := range []int{3, 2, 1} {
		e.waitPhase(t, id, cookie, flow.PhaseCountdown, n)
		e.clock.BlockUntil(1)
		e.clock.Advance(time.Second)
	}
	e.waitPhase(t, id, cookie, flow.PhaseFlash, 0)
	e.clock.BlockUntil(1)
	e.clock.Advance(time.Second)
	e.flashDone(t, id, cookie)
	e.waitPhase(t, id, cookie, flow.PhaseRespond, 0)
}

// flashDone reports the flash as shown, retrying while the server's own
// hold is still running.
func (e *testEnv) flashDone(t *testing.T, id string, cookie *http.Cookie) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := e.postJSON("/api/flows/"+id+"/flash-done", nil, cookie)
		if w.Code == http.StatusOK {
			return
		}
		if w.Code != http.StatusConflict || time.Now().After(deadline) {
			t.Fatalf("flash-done: got %d: %s", w.Code, w.Body.String())
		}
		time.Sleep(time.Millisecond)
	}
}

// publishWithImage creates a published test whose thumbnail is in the
// object store.
func (e *testEnv) publishWithImage(t *testing.T, owner *store.Profile) *store.Test {
	t.Helper()
	test, _ := testutil.PublishTest(t, e.store, owner)
	path := flow.ThumbnailPath(test.ID, "png")
	if err := e.objects.Put(context.Background(), path, testutil.PNG(t, 32, 18), "image/png"); err != nil {
		t.Fatalf("failed to store thumbnail: %v", err)
	}
	return test
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func httptestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, w.Body.String())
	}
}
