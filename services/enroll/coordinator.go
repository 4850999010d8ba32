package enroll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stj/pkg/bus"
	"stj/services/delivery"
	"stj/services/directory"
	"stj/services/mdm"
	"stj/services/profiles"
)

// Tenant-side profiles are tagged by name so later runs can reuse them.
const profileNamePrefix = "stj-"

// Lifecycle events published after each run.
const (
	SubjectRecorded = "stj.enrollments.recorded"
	SubjectFailed   = "stj.enrollments.failed"
)

// MDMClient is the vendor API surface the coordinator drives.
type MDMClient interface {
	ListEnrollments(ctx context.Context) ([]mdm.Enrollment, error)
	CreateEnrollment(ctx context.Context, params mdm.CreateEnrollmentParams) (mdm.Enrollment, error)
	DeleteEnrollment(ctx context.Context, enrollmentID string) error
	SendInvitation(ctx context.Context, enrollmentID, contact string) error
	CreateDevice(ctx context.Context, name string) (mdm.Device, error)
	RefreshDevice(ctx context.Context, deviceID string) error
	ListProfiles(ctx context.Context) ([]mdm.ProfileRef, error)
	UploadProfile(ctx context.Context, name string, mobileconfig []byte) (mdm.ProfileRef, error)
	AssociateProfile(ctx context.Context, profileID, deviceID string) error
}

// ProfileStore hosts built documents for direct download.
type ProfileStore interface {
	Publish(ctx context.Context, doc *profiles.ProfileDocument, objectKey string) (*profiles.HostedProfile, error)
}

// Lease serializes runs per customer.
type Lease interface {
	Release(ctx context.Context) error
}

// Directory is the subscriber record store.
type Directory interface {
	Get(ctx context.Context, customerID string) (directory.Record, error)
	Put(ctx context.Context, rec directory.Record, expectedUpdatedAt time.Time) (directory.Record, error)
	AcquireLease(ctx context.Context, customerID string) (Lease, error)
}

type storeDirectory struct {
	store *directory.Store
}

// NewDirectory adapts the DynamoDB store to the coordinator's Directory.
func NewDirectory(s *directory.Store) Directory {
	return storeDirectory{store: s}
}

func (d storeDirectory) Get(ctx context.Context, customerID string) (directory.Record, error) {
	return d.store.Get(ctx, customerID)
}

func (d storeDirectory) Put(ctx context.Context, rec directory.Record, expected time.Time) (directory.Record, error) {
	return d.store.Put(ctx, rec, expected)
}

func (d storeDirectory) AcquireLease(ctx context.Context, customerID string) (Lease, error) {
	lease, err := d.store.AcquireLease(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Coordinator owns one enrollment run at a time per customer.
type Coordinator struct {
	mdm     MDMClient
	dir     Directory
	catalog *profiles.Catalog

	store   ProfileStore
	channel delivery.Channel
	bus     *bus.Bus
	logger  *log.Logger
	now     func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithProfileStore enables the hosted-profile fallback path.
func WithProfileStore(s ProfileStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithDeliveryChannel makes the coordinator hand finished bundles to a
// delivery channel when the request carries a contact.
func WithDeliveryChannel(ch delivery.Channel) Option {
	return func(c *Coordinator) { c.channel = ch }
}

// WithBus publishes lifecycle events after each run.
func WithBus(b *bus.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithLogger attaches a logger for strategy and best-effort diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator wires a Coordinator. catalog may be nil, in which case the
// builtin policies are used.
func NewCoordinator(client MDMClient, dir Directory, catalog *profiles.Catalog, opts ...Option) *Coordinator {
	if catalog == nil {
		catalog = profiles.Builtin()
	}
	c := &Coordinator{
		mdm:     client,
		dir:     dir,
		catalog: catalog,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the state machine for one request. It returns ErrInvalidInput
// for caller mistakes, ErrInflight when another run holds the customer's
// lease, and a *Failure carrying the last reached checkpoint otherwise.
func (c *Coordinator) Run(ctx context.Context, req Request) (DeliveryBundle, error) {
	if req.CustomerID == "" {
		return DeliveryBundle{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	policy, ok := c.catalog.Get(req.PolicyID)
	if !ok {
		return DeliveryBundle{}, fmt.Errorf("%w: unknown policy %q", ErrInvalidInput, req.PolicyID)
	}

	lease, err := c.dir.AcquireLease(ctx, req.CustomerID)
	if err != nil {
		if errors.Is(err, directory.ErrLeaseHeld) {
			return DeliveryBundle{}, fmt.Errorf("%w: customer %s", ErrInflight, req.CustomerID)
		}
		return DeliveryBundle{}, c.fail(ctx, req, StateInit, "acquire lease", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logf("WARN release lease for %s: %v", req.CustomerID, err)
		}
	}()

	ps, err := c.ensureProfile(ctx, policy)
	if err != nil {
		return DeliveryBundle{}, c.fail(ctx, req, StateInit, "prepare profile", err)
	}

	res, err := c.obtainEnrollment(ctx, req, ps)
	if err != nil {
		return DeliveryBundle{}, c.fail(ctx, req, StateProfileReady, "obtain enrollment", err)
	}

	bundle := DeliveryBundle{
		CustomerID:   req.CustomerID,
		PolicyID:     policy.ID,
		ProfileUUID:  ps.doc.ProfileUUID.String(),
		StrategyUsed: res.strategy,
	}
	if res.enrollment != nil {
		bundle.EnrollmentURL = res.enrollment.URL
	}
	if ps.hosted != nil {
		bundle.HostedProfileURL = ps.hosted.DownloadURL
	}

	state := StateEnrollmentReady

	if res.device != nil {
		bundle.DeviceID = res.device.ID
		bundle.EnrollmentURL = res.device.EnrollmentURL
		if ps.ref != nil {
			if err := c.mdm.AssociateProfile(ctx, ps.ref.ID, res.device.ID); err != nil {
				return DeliveryBundle{}, c.fail(ctx, req, state, "associate profile", err)
			}
			// Vendor will sync on the next heartbeat if this fails.
			if err := c.mdm.RefreshDevice(ctx, res.device.ID); err != nil {
				c.logf("WARN refresh device %s: %v", res.device.ID, err)
			}
		}
		state = StateDeviceBound
	}

	if res.enrollment != nil && req.Contact != "" {
		if err := c.mdm.SendInvitation(ctx, res.enrollment.ID, req.Contact); err != nil {
			c.logf("WARN send invitation for %s: %v", req.CustomerID, err)
		}
	}

	if err := c.record(ctx, req, bundle); err != nil {
		return DeliveryBundle{}, c.fail(ctx, req, state, "record subscriber", err)
	}
	state = StateRecorded

	if c.channel != nil && req.Contact != "" {
		status, err := c.channel.Deliver(ctx, delivery.Message{
			CustomerID:    req.CustomerID,
			Contact:       req.Contact,
			EnrollmentURL: bundle.EnrollmentURL,
			ProfileURL:    bundle.HostedProfileURL,
			PolicyName:    policy.DisplayName,
		})
		if status == delivery.StatusFailed {
			return DeliveryBundle{}, c.fail(ctx, req, state, "deliver bundle", err)
		}
	}

	c.publish(ctx, SubjectRecorded, bundle)
	return bundle, nil
}

// RotateProfile rebuilds a policy's document, republishes it to the hosting
// bucket, and uploads a fresh copy to the MDM tenant so subsequent runs pick
// it up.
func (c *Coordinator) RotateProfile(ctx context.Context, policyID string) (*profiles.HostedProfile, error) {
	policy, ok := c.catalog.Get(policyID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidInput, policyID)
	}
	doc, err := profiles.Build(policy)
	if err != nil {
		return nil, err
	}

	var hosted *profiles.HostedProfile
	if c.store != nil {
		hosted, err = c.store.Publish(ctx, doc, "")
		if err != nil {
			return nil, fmt.Errorf("publish rotated profile: %w", err)
		}
	}

	if _, err := c.mdm.UploadProfile(ctx, profileNamePrefix+policy.ID, doc.Bytes); err != nil {
		if mdm.IsAuth(err) {
			return nil, err
		}
		c.logf("WARN upload rotated profile %s: %v", policy.ID, err)
	}
	return hosted, nil
}

type profileState struct {
	doc    *profiles.ProfileDocument
	ref    *mdm.ProfileRef
	hosted *profiles.HostedProfile
}

// ensureProfile makes the policy's document available: reuse the tenant copy
// when one is tagged with the policy id, otherwise upload, otherwise publish
// to the hosting bucket as fallback.
func (c *Coordinator) ensureProfile(ctx context.Context, policy profiles.Policy) (profileState, error) {
	doc, err := profiles.Build(policy)
	if err != nil {
		return profileState{}, err
	}
	ps := profileState{doc: doc}
	tag := profileNamePrefix + policy.ID

	refs, err := c.mdm.ListProfiles(ctx)
	if err != nil {
		if mdm.IsAuth(err) {
			return profileState{}, err
		}
		c.logf("WARN list tenant profiles: %v", err)
	}
	// Rotation uploads a fresh copy under the same name; bind the newest
	// tenant copy so rotated documents take effect on the next run.
	var match *mdm.ProfileRef
	for i := range refs {
		if refs[i].Name != tag {
			continue
		}
		if match == nil || newerProfileID(refs[i].ID, match.ID) {
			match = &refs[i]
		}
	}
	if match != nil {
		ps.ref = match
		return ps, nil
	}

	ref, err := c.mdm.UploadProfile(ctx, tag, doc.Bytes)
	if err == nil {
		ps.ref = &ref
		return ps, nil
	}
	if mdm.IsAuth(err) {
		return profileState{}, err
	}
	c.logf("WARN upload profile %s: %v", policy.ID, err)

	if c.store == nil {
		return profileState{}, fmt.Errorf("profile upload failed and no hosting fallback: %w", err)
	}
	hosted, err := c.store.Publish(ctx, doc, "")
	if err != nil {
		return profileState{}, fmt.Errorf("publish fallback profile: %w", err)
	}
	ps.hosted = hosted
	return ps, nil
}

// newerProfileID reports whether profile id a was assigned after b. Vendor
// ids are decimal strings without leading zeros, so length then lexicographic
// order matches numeric order.
func newerProfileID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// record upserts the subscriber row with a compare-and-set on updated_at.
func (c *Coordinator) record(ctx context.Context, req Request, bundle DeliveryBundle) error {
	rec, err := c.dir.Get(ctx, req.CustomerID)
	expected := rec.UpdatedAt
	switch {
	case errors.Is(err, directory.ErrNotFound):
		rec = directory.Record{CustomerID: req.CustomerID}
		expected = time.Time{}
	case err != nil:
		return err
	}

	if req.Contact != "" {
		rec.Contact = req.Contact
	}
	rec.LastProfileUUID = bundle.ProfileUUID
	if bundle.StrategyUsed != StrategyDirectDownload {
		rec.LastEnrollmentURL = bundle.EnrollmentURL
	}
	if bundle.DeviceID != "" {
		rec.AppendDevice(bundle.DeviceID, c.now().UTC())
	}

	_, err = c.dir.Put(ctx, rec, expected)
	return err
}

func (c *Coordinator) fail(ctx context.Context, req Request, lastOK State, reason string, err error) error {
	f := &Failure{Reason: reason, LastOKState: lastOK, Err: err}
	payload := map[string]any{
		"customer_id":   req.CustomerID,
		"policy_id":     req.PolicyID,
		"reason":        reason,
		"last_ok_state": lastOK,
	}
	// A delivery channel may report StatusFailed without an error.
	if err != nil {
		payload["error"] = err.Error()
	}
	c.publish(ctx, SubjectFailed, payload)
	return f
}

func (c *Coordinator) publish(ctx context.Context, subject string, payload any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, payload); err != nil {
		c.logf("WARN publish %s: %v", subject, err)
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
