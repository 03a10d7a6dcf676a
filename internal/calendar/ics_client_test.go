package calendar

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// icsServer is a minimal object store speaking the client's wire protocol:
// one .ics document per uid.
type icsServer struct {
	mu      sync.Mutex
	objects map[string]string

	lastAuthUser string
	lastAuthPass string
}

func newICSServer() *icsServer {
	return &icsServer{objects: map[string]string{}}
}

func (s *icsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, pass, ok := r.BasicAuth(); ok {
		s.lastAuthUser, s.lastAuthPass = user, pass
	}
	uid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/cal/"), ".ics")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.objects[uid] = string(body)
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		payload, ok := s.objects[uid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(payload))
	case http.MethodDelete:
		if _, ok := s.objects[uid]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, uid)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestICSClient(t *testing.T) (*ICSClient, *icsServer) {
	t.Helper()
	backend := newICSServer()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)
	client := NewICSClient(Config{
		Endpoint: server.URL + "/cal/",
		Username: "anna",
		Secret:   "s3cret",
	})
	return client, backend
}

func TestICSClientCreateFindUpdateDelete(t *testing.T) {
	client, server := newTestICSClient(t)
	ctx := context.Background()

	uid, err := client.Create(ctx, testFields())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if server.lastAuthUser != "anna" || server.lastAuthPass != "s3cret" {
		t.Fatalf("basic auth not sent: %q/%q", server.lastAuthUser, server.lastAuthPass)
	}

	fields, err := client.FindByUID(ctx, uid)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if fields.Title != "Morning shift" {
		t.Fatalf("unexpected fields after create: %+v", fields)
	}

	updated := testFields()
	updated.Title = "Evening shift"
	if err := client.Update(ctx, uid, updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	fields, err = client.FindByUID(ctx, uid)
	if err != nil {
		t.Fatalf("find after update failed: %v", err)
	}
	if fields.Title != "Evening shift" {
		t.Fatalf("update did not propagate: %+v", fields)
	}

	if err := client.Delete(ctx, uid); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := client.FindByUID(ctx, uid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestICSClientUpdateMissingObject(t *testing.T) {
	client, _ := newTestICSClient(t)
	err := client.Update(context.Background(), "never-created", testFields())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for vanished object, got %v", err)
	}
}

func TestICSClientDeleteMissingObject(t *testing.T) {
	client, _ := newTestICSClient(t)
	err := client.Delete(context.Background(), "never-created")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestICSClientSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	client := NewICSClient(Config{Endpoint: server.URL})

	_, err := client.Create(context.Background(), testFields())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
}
