package enroll

import (
	"context"
	"errors"
	"fmt"

	"stj/services/mdm"
)

type enrollmentResult struct {
	strategy   Strategy
	enrollment *mdm.Enrollment
	device     *mdm.Device
}

// obtainEnrollment walks the strategy list in priority order until one
// yields a serviceable enrollment. Auth failures abort the whole run; any
// other failure advances to the next strategy. The direct-download fallback
// only applies when a hosted profile exists.
func (c *Coordinator) obtainEnrollment(ctx context.Context, req Request, ps profileState) (enrollmentResult, error) {
	attempts := []struct {
		strategy Strategy
		run      func(context.Context, Request) (enrollmentResult, error)
	}{
		{StrategyCreateNeverExpire, c.createNeverExpire},
		{StrategyCreateForm, c.createForm},
		{StrategyReuseListed, c.reuseListed},
		{StrategyCreateDevicePreenroll, c.createDevicePreenroll},
	}

	var lastErr error
	for _, a := range attempts {
		res, err := a.run(ctx, req)
		if err == nil {
			res.strategy = a.strategy
			return res, nil
		}
		if mdm.IsAuth(err) {
			return enrollmentResult{}, err
		}
		c.logf("WARN strategy %s for %s: %v", a.strategy, req.CustomerID, err)
		lastErr = err
	}

	if ps.hosted != nil {
		return enrollmentResult{strategy: StrategyDirectDownload}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no strategy produced an enrollment")
	}
	return enrollmentResult{}, fmt.Errorf("all enrollment strategies failed: %w", lastErr)
}

func (c *Coordinator) createNeverExpire(ctx context.Context, req Request) (enrollmentResult, error) {
	e, err := c.mdm.CreateEnrollment(ctx, mdm.CreateEnrollmentParams{
		Name:        enrollmentName(req.CustomerID),
		NeverExpire: true,
		Encoding:    mdm.EncodingJSON,
	})
	if err != nil {
		return enrollmentResult{}, err
	}
	return enrollmentResult{enrollment: &e}, nil
}

func (c *Coordinator) createForm(ctx context.Context, req Request) (enrollmentResult, error) {
	e, err := c.mdm.CreateEnrollment(ctx, mdm.CreateEnrollmentParams{
		Name:     enrollmentName(req.CustomerID),
		Encoding: mdm.EncodingForm,
	})
	if err != nil {
		return enrollmentResult{}, err
	}
	return enrollmentResult{enrollment: &e}, nil
}

// reuseListed picks the freshest serviceable enrollment already present in
// the tenant. Expired slots are deleted and replaced with a fresh create.
func (c *Coordinator) reuseListed(ctx context.Context, req Request) (enrollmentResult, error) {
	enrollments, err := c.mdm.ListEnrollments(ctx)
	if err != nil {
		return enrollmentResult{}, err
	}

	now := c.now()
	deleted := false
	for _, e := range enrollments {
		if e.Serviceable(now) {
			e := e
			return enrollmentResult{enrollment: &e}, nil
		}
		if err := c.mdm.DeleteEnrollment(ctx, e.ID); err != nil && !mdm.IsNotFound(err) {
			c.logf("WARN delete expired enrollment %s: %v", e.ID, err)
			continue
		}
		deleted = true
	}
	if deleted {
		return c.createNeverExpire(ctx, req)
	}
	return enrollmentResult{}, errors.New("no serviceable enrollment listed")
}

// createDevicePreenroll pre-creates a device record and uses its one-shot
// pre-enrollment URL. Good for single-device customers only.
func (c *Coordinator) createDevicePreenroll(ctx context.Context, req Request) (enrollmentResult, error) {
	d, err := c.mdm.CreateDevice(ctx, enrollmentName(req.CustomerID))
	if err != nil {
		return enrollmentResult{}, err
	}
	if d.EnrollmentURL == "" {
		return enrollmentResult{}, errors.New("created device has no pre-enrollment url")
	}
	return enrollmentResult{device: &d}, nil
}

func enrollmentName(customerID string) string {
	return "stj-" + customerID
}
