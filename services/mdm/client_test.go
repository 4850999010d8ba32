package mdm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testBackoff = Backoff{
	Base:        time.Millisecond,
	Factor:      2,
	Cap:         4 * time.Millisecond,
	MaxAttempts: 5,
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "test-key", WithBackoff(testBackoff))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestCreateEnrollmentNeverExpire(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody map[string]string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/enrollments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"E1","attributes":{"url":"https://a.simplemdm.com/e/E1","name":"stj-cust-42","url_expires":false}}}`))
	}))

	e, err := c.CreateEnrollment(context.Background(), CreateEnrollmentParams{
		Name:        "stj-cust-42",
		NeverExpire: true,
	})
	if err != nil {
		t.Fatalf("CreateEnrollment() error = %v", err)
	}

	if gotAuth != "Basic dGVzdC1rZXk6" { // base64("test-key:")
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotBody["url_expires"] != "false" {
		t.Errorf("body = %v, want url_expires=false", gotBody)
	}
	if e.ID != "E1" || e.URL != "https://a.simplemdm.com/e/E1" {
		t.Errorf("enrollment = %+v", e)
	}
	if !e.Serviceable(time.Now()) {
		t.Error("never-expire enrollment reported as not serviceable")
	}
}

func TestCreateEnrollmentFormFallback(t *testing.T) {
	var calls int
	var fallbackContentType, fallbackName string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			w.Write([]byte(`{"errors":[{"title":"unsupported content type"}]}`))
			return
		}
		fallbackContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		fallbackName = r.PostFormValue("name")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":2,"attributes":{"url":"https://a.simplemdm.com/e/2","name":"stj-cust-7"}}}`))
	}))

	e, err := c.CreateEnrollment(context.Background(), CreateEnrollmentParams{Name: "stj-cust-7"})
	if err != nil {
		t.Fatalf("CreateEnrollment() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (json then form)", calls)
	}
	if fallbackContentType != "application/x-www-form-urlencoded" {
		t.Errorf("fallback content type = %q", fallbackContentType)
	}
	if fallbackName != "stj-cust-7" {
		t.Errorf("fallback form name = %q", fallbackName)
	}
	if e.ID != "2" {
		t.Errorf("numeric id decoded as %q, want \"2\"", e.ID)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))

	if _, err := c.ListEnrollments(context.Background()); err != nil {
		t.Fatalf("ListEnrollments() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.ListDevices(context.Background())
	if err == nil {
		t.Fatal("ListDevices() succeeded against a permanently failing server")
	}
	if calls != testBackoff.MaxAttempts {
		t.Fatalf("calls = %d, want %d", calls, testBackoff.MaxAttempts)
	}
	var me *Error
	if !errors.As(err, &me) {
		t.Fatalf("error type = %T", err)
	}
	if me.Kind != KindTransport || !me.Exhausted {
		t.Fatalf("error = %+v, want exhausted transport", me)
	}
}

func TestBackoffStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			time.AfterFunc(50*time.Millisecond, cancel)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	// An hour-scale backoff would stall the test if cancellation did not
	// interrupt the wait between attempts.
	c, err := NewClient(srv.URL, "test-key", WithBackoff(Backoff{
		Base:        time.Hour,
		Factor:      2,
		Cap:         time.Hour,
		MaxAttempts: 5,
	}))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	start := time.Now()
	_, err = c.ListDevices(ctx)
	if err == nil {
		t.Fatal("ListDevices() succeeded against a permanently failing server")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancellation took %s to interrupt the backoff", elapsed)
	}
	var me *Error
	if !errors.As(err, &me) {
		t.Fatalf("error type = %T", err)
	}
	if me.Kind != KindTimeout {
		t.Fatalf("error kind = %q, want timeout", me.Kind)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"title":"unauthorized"}]}`))
	}))

	_, err := c.Verify(context.Background())
	if !IsAuth(err) {
		t.Fatalf("error = %v, want auth kind", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (auth errors are terminal)", calls)
	}
}

func TestVendorRejection(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"name has already been taken"}]}`))
	}))

	_, err := c.CreateDevice(context.Background(), "dup")
	if !IsVendorRejected(err) {
		t.Fatalf("error = %v, want vendor-rejected kind", err)
	}
	var me *Error
	if !errors.As(err, &me) || !strings.Contains(me.Message, "already been taken") {
		t.Fatalf("vendor message not surfaced: %v", err)
	}
}

func TestDeleteEnrollmentNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.DeleteEnrollment(context.Background(), "E404")
	if !IsNotFound(err) {
		t.Fatalf("error = %v, want not-found kind", err)
	}
}

func TestListEnrollmentsOrdering(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"id":"A","attributes":{"url":"https://a.simplemdm.com/e/A","created_at":"2025-01-01T00:00:00Z"}},
			{"id":"C","attributes":{"url":"https://a.simplemdm.com/e/C","created_at":"2025-03-01T00:00:00Z"}},
			{"id":"D","attributes":{"url":"https://a.simplemdm.com/e/D","created_at":"2025-03-01T00:00:00Z"}},
			{"id":"B","attributes":{"url":"https://a.simplemdm.com/e/B","created_at":"2025-02-01T00:00:00Z"}}
		]}`))
	}))

	enrollments, err := c.ListEnrollments(context.Background())
	if err != nil {
		t.Fatalf("ListEnrollments() error = %v", err)
	}

	got := make([]string, len(enrollments))
	for i, e := range enrollments {
		got[i] = e.ID
	}
	want := []string{"C", "D", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestEnrollmentExpiryFromURLExpires(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"id":"E1","attributes":{"url":"https://a.simplemdm.com/e/E1","url_expires":true}}
		]}`))
	}))

	enrollments, err := c.ListEnrollments(context.Background())
	if err != nil {
		t.Fatalf("ListEnrollments() error = %v", err)
	}
	if len(enrollments) != 1 {
		t.Fatalf("enrollments = %d, want 1", len(enrollments))
	}
	e := enrollments[0]
	if e.ExpiresAt == nil {
		t.Fatal("url_expires=true should produce a synthetic expiry")
	}
	if !e.Serviceable(time.Now()) {
		t.Error("freshly listed expiring enrollment should still be serviceable")
	}
	if e.Serviceable(time.Now().Add(48 * time.Hour)) {
		t.Error("synthetic expiry should lapse within 48h")
	}
}

func TestUploadProfileMultipart(t *testing.T) {
	profileBytes := []byte("<?xml version=\"1.0\"?><plist/>")

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("name"); got != "stj-adult-block" {
			t.Errorf("name field = %q", got)
		}
		f, _, err := r.FormFile("mobileconfig")
		if err != nil {
			t.Fatalf("mobileconfig part missing: %v", err)
		}
		defer f.Close()

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"P9","attributes":{"name":"stj-adult-block"}}}`))
	}))

	ref, err := c.UploadProfile(context.Background(), "stj-adult-block", profileBytes)
	if err != nil {
		t.Fatalf("UploadProfile() error = %v", err)
	}
	if ref.ID != "P9" || ref.Name != "stj-adult-block" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestAssociateProfilePath(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))

	if err := c.AssociateProfile(context.Background(), "P9", "D3"); err != nil {
		t.Fatalf("AssociateProfile() error = %v", err)
	}
	if gotPath != "/custom_configuration_profiles/P9/devices/D3" {
		t.Errorf("path = %q", gotPath)
	}
}
