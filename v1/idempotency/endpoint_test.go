package idempotency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-idemlock/v1/adapter"
	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/fingerprint"
)

var sayNoDuplication = fingerprint.Operation{Name: "web.SayNoDuplication", Params: []string{"string"}}

func requestNum(r *http.Request) ([]any, error) {
	n := r.URL.Query().Get("requestNum")
	if n == "" {
		return nil, fmt.Errorf("%w: requestNum is required", idemerrors.ErrInvalidRequest)
	}
	return []any{n}, nil
}

func TestRegisterValidates(t *testing.T) {
	g := New(adapter.NewInMemoryStore())
	if _, err := g.Register(Registration{TTL: time.Second}); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("missing name: %v", err)
	}
	if _, err := g.Register(Registration{Operation: sayNoDuplication}); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("missing ttl: %v", err)
	}
}

func TestEndpointDo(t *testing.T) {
	g := New(adapter.NewInMemoryStore())
	ep, err := g.Register(Registration{Operation: sayNoDuplication, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	if err := ep.Do(ctx, "", []any{"1"}, func(context.Context) error { return nil }); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("missing token: %v", err)
	}

	err = ep.Do(ctx, "tok", []any{"1"}, func(ctx context.Context) error {
		if err := ep.Do(ctx, "tok", []any{"1"}, func(context.Context) error { return nil }); !errors.Is(err, idemerrors.ErrDuplicateSubmission) {
			t.Errorf("same token and args should be a duplicate, got %v", err)
		}
		if err := ep.Do(ctx, "tok", []any{"2"}, func(context.Context) error { return nil }); err != nil {
			t.Errorf("different args should run, got %v", err)
		}
		if err := ep.Do(ctx, "other", []any{"1"}, func(context.Context) error { return nil }); err != nil {
			t.Errorf("different token should run, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	v, err := Call(ctx, ep, "tok", []any{"1"}, func(context.Context) (string, error) { return "sayNoDuplication1", nil })
	if err != nil || v != "sayNoDuplication1" {
		t.Fatalf("Call: %q %v", v, err)
	}
}

func TestMiddlewareStatuses(t *testing.T) {
	g := New(adapter.NewInMemoryStore())
	ep, err := g.Register(Registration{Operation: sayNoDuplication, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := ep.Middleware(requestNum)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		_, _ = io.WriteString(w, "ok")
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	post := func(query, token string) (int, string) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/?"+query, nil)
		if token != "" {
			req.Header.Set(DefaultTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Errorf("request: %v", err)
			return 0, ""
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := post("requestNum=1", ""); code != http.StatusBadRequest {
		t.Fatalf("missing token: %d", code)
	}
	if code, _ := post("", "tok"); code != http.StatusBadRequest {
		t.Fatalf("missing args: %d", code)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstCode int
	go func() {
		defer wg.Done()
		firstCode, _ = post("requestNum=1", "tok")
	}()
	<-entered
	code, body := post("requestNum=1", "tok")
	if code != http.StatusConflict || !strings.Contains(body, DuplicateMessage) {
		t.Fatalf("duplicate: %d %q", code, body)
	}
	close(release)
	wg.Wait()
	if firstCode != http.StatusOK {
		t.Fatalf("first request: %d", firstCode)
	}
}

// Two identical submissions 100ms apart against a 3s operation guarded for
// 15s: the second is rejected immediately and the operation runs once.
func TestMiddlewareDuplicateSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a 3s operation")
	}
	g := New(adapter.NewInMemoryStore())
	ep, err := g.Register(Registration{Operation: sayNoDuplication, TTL: 15 * time.Second, Token: HeaderToken("token")})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	var mu sync.Mutex
	runs := 0
	h := ep.Middleware(requestNum)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		runs++
		mu.Unlock()
		time.Sleep(3 * time.Second)
		_, _ = io.WriteString(w, "sayNoDuplication"+r.URL.Query().Get("requestNum"))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/web/sayNoDuplication?requestNum=7", nil)
		req.Header.Set("token", "client-token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = send()
	}()
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	second := send()
	if second.Code != http.StatusConflict {
		t.Fatalf("second submission: %d", second.Code)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("duplicate must be rejected without waiting, took %s", d)
	}
	wg.Wait()
	if first.Code != http.StatusOK || first.Body.String() != "sayNoDuplication7" {
		t.Fatalf("first submission: %d %q", first.Code, first.Body.String())
	}
	if runs != 1 {
		t.Fatalf("operation ran %d times", runs)
	}
}

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		nil:                               http.StatusOK,
		idemerrors.ErrDuplicateSubmission: http.StatusConflict,
		idemerrors.ErrLockBusy:            http.StatusConflict,
		idemerrors.ErrInvalidRequest:      http.StatusBadRequest,
		idemerrors.ErrStoreUnavailable:    http.StatusServiceUnavailable,
		context.Canceled:                  http.StatusRequestTimeout,
		errors.New("other"):               http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusCode(err); got != want {
			t.Fatalf("StatusCode(%v) = %d, want %d", err, got, want)
		}
	}
}
