package mdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the SimpleMDM-shaped vendor API root.
	DefaultBaseURL = "https://a.simplemdm.com/api/v1"

	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Backoff controls the retry schedule for transient transport failures.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the production retry schedule: 250ms doubling to a cap
// of 8s, five attempts, jittered.
var DefaultBackoff = Backoff{
	Base:        250 * time.Millisecond,
	Factor:      2,
	Cap:         8 * time.Second,
	MaxAttempts: 5,
}

func (b Backoff) delay(attempt int) time.Duration {
	d := time.Duration(float64(b.Base) * pow(b.Factor, attempt))
	if d > b.Cap {
		d = b.Cap
	}
	// Full jitter keeps herds of coordinators from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func pow(f float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= f
	}
	return out
}

// Encoding selects the request body encoding for create calls.
type Encoding int

const (
	// EncodingJSON sends a JSON body and falls back to form encoding when
	// the vendor rejects the content type.
	EncodingJSON Encoding = iota
	// EncodingForm sends a form-encoded body unconditionally.
	EncodingForm
)

// Client is a typed wrapper around the MDM vendor's REST surface. The
// underlying HTTP client and its connection pool are safe to share; the API
// key is read-only after construction.
type Client struct {
	baseURL      string
	apiKey       string
	httpc        *http.Client
	backoff      Backoff
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *log.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithBackoff replaces the retry schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithTimeouts sets the per-call read and write deadlines.
func WithTimeouts(read, write time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = read
		c.writeTimeout = write
	}
}

// WithLogger attaches a logger for retry and refresh diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a Client against baseURL using basic auth with the
// long-lived API key as username and an empty password.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("mdm api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpc:        &http.Client{},
		backoff:      DefaultBackoff,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientFromEnv builds a Client from MDM_API_KEY and optional
// MDM_BASE_URL.
func NewClientFromEnv(opts ...Option) (*Client, error) {
	key := strings.TrimSpace(os.Getenv("MDM_API_KEY"))
	if key == "" {
		return nil, errors.New("MDM_API_KEY is required")
	}
	return NewClient(os.Getenv("MDM_BASE_URL"), key, opts...)
}

// Verify checks the API key against the vendor and returns tenant info.
func (c *Client) Verify(ctx context.Context) (Account, error) {
	data, err := c.do(ctx, request{op: "verify", method: http.MethodGet, path: "/account", timeout: c.readTimeout})
	if err != nil {
		return Account{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Account{}, c.internal("verify", err)
	}
	var obj object
	if err := json.Unmarshal(env.Data, &obj); err != nil {
		return Account{}, c.internal("verify", err)
	}
	var attrs accountAttributes
	if err := json.Unmarshal(obj.Attributes, &attrs); err != nil {
		return Account{}, c.internal("verify", err)
	}
	return Account{Name: attrs.Name, AppleStoreCountryCode: attrs.AppleStoreCountryCode}, nil
}

// ListEnrollments returns all enrollment slots, newest first (ties broken by
// lexicographic id).
func (c *Client) ListEnrollments(ctx context.Context) ([]Enrollment, error) {
	objs, err := c.list(ctx, "list-enrollments", "/enrollments")
	if err != nil {
		return nil, err
	}

	enrollments := make([]Enrollment, 0, len(objs))
	for _, obj := range objs {
		e, err := decodeEnrollment(obj)
		if err != nil {
			return nil, c.internal("list-enrollments", err)
		}
		enrollments = append(enrollments, e)
	}
	sort.Slice(enrollments, func(i, j int) bool {
		if !enrollments[i].CreatedAt.Equal(enrollments[j].CreatedAt) {
			return enrollments[i].CreatedAt.After(enrollments[j].CreatedAt)
		}
		return enrollments[i].ID < enrollments[j].ID
	})
	return enrollments, nil
}

// CreateEnrollmentParams configures a new enrollment slot.
type CreateEnrollmentParams struct {
	Name        string
	NeverExpire bool
	Encoding    Encoding
}

// CreateEnrollment asks the vendor for a new enrollment slot and returns it.
func (c *Client) CreateEnrollment(ctx context.Context, params CreateEnrollmentParams) (Enrollment, error) {
	body := map[string]string{
		"name": params.Name,
	}
	if params.NeverExpire {
		body["url_expires"] = formatBool(false)
	}

	data, err := c.do(ctx, request{
		op:       "create-enrollment",
		method:   http.MethodPost,
		path:     "/enrollments",
		body:     body,
		encoding: params.Encoding,
		timeout:  c.writeTimeout,
	})
	if err != nil {
		return Enrollment{}, err
	}

	obj, err := decodeObject(data)
	if err != nil {
		return Enrollment{}, c.internal("create-enrollment", err)
	}
	e, err := decodeEnrollment(obj)
	if err != nil {
		return Enrollment{}, c.internal("create-enrollment", err)
	}
	return e, nil
}

// DeleteEnrollment removes an enrollment slot, freeing it for re-creation.
func (c *Client) DeleteEnrollment(ctx context.Context, enrollmentID string) error {
	_, err := c.do(ctx, request{
		op:      "delete-enrollment",
		method:  http.MethodDelete,
		path:    "/enrollments/" + url.PathEscape(enrollmentID),
		timeout: c.writeTimeout,
	})
	return err
}

// SendInvitation emails the enrollment URL to a contact through the vendor.
func (c *Client) SendInvitation(ctx context.Context, enrollmentID, contact string) error {
	_, err := c.do(ctx, request{
		op:      "send-invitation",
		method:  http.MethodPost,
		path:    "/enrollments/" + url.PathEscape(enrollmentID) + "/send_invitation",
		body:    map[string]string{"contact": contact},
		timeout: c.writeTimeout,
	})
	return err
}

// ListDevices returns every device in the tenant.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	objs, err := c.list(ctx, "list-devices", "/devices")
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(objs))
	for _, obj := range objs {
		d, err := decodeDevice(obj)
		if err != nil {
			return nil, c.internal("list-devices", err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// CreateDevice pre-creates a device record; the returned device carries a
// one-shot pre-enrollment URL.
func (c *Client) CreateDevice(ctx context.Context, name string) (Device, error) {
	data, err := c.do(ctx, request{
		op:      "create-device",
		method:  http.MethodPost,
		path:    "/devices",
		body:    map[string]string{"name": name},
		timeout: c.writeTimeout,
	})
	if err != nil {
		return Device{}, err
	}

	obj, err := decodeObject(data)
	if err != nil {
		return Device{}, c.internal("create-device", err)
	}
	d, err := decodeDevice(obj)
	if err != nil {
		return Device{}, c.internal("create-device", err)
	}
	return d, nil
}

// RefreshDevice asks the vendor to push pending changes to a device.
func (c *Client) RefreshDevice(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, request{
		op:      "refresh-device",
		method:  http.MethodPost,
		path:    "/devices/" + url.PathEscape(deviceID) + "/refresh",
		timeout: c.writeTimeout,
	})
	return err
}

// ListProfiles returns the custom configuration profiles stored in the
// tenant.
func (c *Client) ListProfiles(ctx context.Context) ([]ProfileRef, error) {
	objs, err := c.list(ctx, "list-profiles", "/custom_configuration_profiles")
	if err != nil {
		return nil, err
	}

	refs := make([]ProfileRef, 0, len(objs))
	for _, obj := range objs {
		p, err := decodeProfile(obj)
		if err != nil {
			return nil, c.internal("list-profiles", err)
		}
		refs = append(refs, p)
	}
	return refs, nil
}

// UploadProfile stores a .mobileconfig in the tenant under the given name.
func (c *Client) UploadProfile(ctx context.Context, name string, mobileconfig []byte) (ProfileRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", name); err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}
	part, err := mw.CreateFormFile("mobileconfig", name+".mobileconfig")
	if err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}
	if _, err := part.Write(mobileconfig); err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}
	if err := mw.Close(); err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}

	data, err := c.do(ctx, request{
		op:          "upload-profile",
		method:      http.MethodPost,
		path:        "/custom_configuration_profiles",
		raw:         buf.Bytes(),
		contentType: mw.FormDataContentType(),
		timeout:     c.writeTimeout,
	})
	if err != nil {
		return ProfileRef{}, err
	}

	obj, err := decodeObject(data)
	if err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}
	p, err := decodeProfile(obj)
	if err != nil {
		return ProfileRef{}, c.internal("upload-profile", err)
	}
	return p, nil
}

// AssociateProfile binds a stored profile to a device.
func (c *Client) AssociateProfile(ctx context.Context, profileID, deviceID string) error {
	_, err := c.do(ctx, request{
		op:     "associate-profile",
		method: http.MethodPost,
		path: "/custom_configuration_profiles/" + url.PathEscape(profileID) +
			"/devices/" + url.PathEscape(deviceID),
		timeout: c.writeTimeout,
	})
	return err
}

type request struct {
	op          string
	method      string
	path        string
	body        map[string]string
	raw         []byte
	contentType string
	encoding    Encoding
	timeout     time.Duration
}

func (c *Client) list(ctx context.Context, op, path string) ([]object, error) {
	data, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, timeout: c.readTimeout})
	if err != nil {
		return nil, err
	}

	var env struct {
		Data []object `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, c.internal(op, err)
	}
	return env.Data, nil
}

// do executes one logical API call: it retries transient failures on the
// configured backoff schedule and, for JSON-encoded bodies, falls back to
// form encoding once when the vendor rejects the content type.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	encoding := req.encoding
	var lastErr *Error

	for attempt := 0; attempt < c.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff.delay(attempt - 1)
			if c.logger != nil {
				c.logger.Printf("WARN %s: retrying after %s (attempt %d/%d)", req.op, delay, attempt+1, c.backoff.MaxAttempts)
			}
			if err := c.wait(ctx, delay); err != nil {
				return nil, &Error{Kind: KindTimeout, Op: req.op, Err: err}
			}
		}

		data, apiErr := c.once(ctx, req, encoding)
		if apiErr == nil {
			return data, nil
		}

		// The vendor accepts both JSON and form bodies, but some
		// endpoints reject one of them; swap the encoding once and
		// retry immediately without consuming a transport attempt.
		if encoding == EncodingJSON && apiErr.unsupportedContentType() && len(req.body) > 0 {
			encoding = EncodingForm
			data, apiErr = c.once(ctx, req, encoding)
			if apiErr == nil {
				return data, nil
			}
		}

		lastErr = apiErr
		if apiErr.Kind != KindTransport && apiErr.Kind != KindTimeout {
			return nil, apiErr
		}
		if ctx.Err() != nil {
			return nil, apiErr
		}
	}

	if lastErr != nil {
		lastErr.Exhausted = true
		return nil, lastErr
	}
	return nil, &Error{Kind: KindInternal, Op: req.op, Message: "no attempts executed"}
}

// wait blocks for d or until ctx is cancelled, whichever comes first.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) once(ctx context.Context, req request, encoding Encoding) ([]byte, *Error) {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.readTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.raw != nil:
		body = bytes.NewReader(req.raw)
		contentType = req.contentType
	case len(req.body) > 0:
		if encoding == EncodingForm {
			values := url.Values{}
			for k, v := range req.body {
				values.Set(k, v)
			}
			body = strings.NewReader(values.Encode())
			contentType = "application/x-www-form-urlencoded"
		} else {
			payload, err := json.Marshal(req.body)
			if err != nil {
				return nil, c.internal(req.op, err)
			}
			body = bytes.NewReader(payload)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, c.internal(req.op, err)
	}
	httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Op: req.op, Err: err}
		}
		return nil, &Error{Kind: KindTransport, Op: req.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: req.op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, Op: req.op, Status: resp.StatusCode, Message: vendorMessage(data)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Op: req.op, Status: resp.StatusCode, Message: vendorMessage(data)}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &Error{Kind: KindVendorRejected, Op: req.op, Status: resp.StatusCode, Message: vendorMessage(data)}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransport, Op: req.op, Status: resp.StatusCode, Message: vendorMessage(data)}
	default:
		return nil, &Error{Kind: KindVendorRejected, Op: req.op, Status: resp.StatusCode, Message: vendorMessage(data)}
	}
}

func (e *Error) unsupportedContentType() bool {
	if e == nil || e.Status < 400 || e.Status >= 500 {
		return false
	}
	if e.Status == http.StatusUnsupportedMediaType {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "unsupported-content-type") ||
		strings.Contains(strings.ToLower(e.Message), "unsupported content type")
}

func (c *Client) internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

func decodeObject(data []byte) (object, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return object{}, err
	}
	var obj object
	if err := json.Unmarshal(env.Data, &obj); err != nil {
		return object{}, err
	}
	return obj, nil
}

func vendorMessage(data []byte) string {
	var body struct {
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Errors) > 0 {
		titles := make([]string, 0, len(body.Errors))
		for _, e := range body.Errors {
			titles = append(titles, e.Title)
		}
		return strings.Join(titles, "; ")
	}
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}
