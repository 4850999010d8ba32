// Package api exposes the enrollment pipeline over HTTP: it accepts
// enrollment requests, profile rotations, and subscriber lookups, and runs
// them through the coordinator.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stj/services/directory"
	"stj/services/enroll"
	"stj/services/profiles"
)

// Coordinator is the enrollment engine behind the API.
type Coordinator interface {
	Run(ctx context.Context, req enroll.Request) (enroll.DeliveryBundle, error)
	RotateProfile(ctx context.Context, policyID string) (*profiles.HostedProfile, error)
}

// Directory is the subscriber read and revoke surface.
type Directory interface {
	Get(ctx context.Context, customerID string) (directory.Record, error)
	Revoke(ctx context.Context, customerID string) (directory.Record, error)
}

// API wires the coordinator, directory, and policy catalog into HTTP
// handlers.
type API struct {
	coordinator Coordinator
	directory   Directory
	catalog     *profiles.Catalog
	logger      *log.Logger
	metrics     *metrics
}

// New initialises the API layer. catalog may be nil, in which case the
// builtin policies are served.
func New(coordinator Coordinator, dir Directory, catalog *profiles.Catalog, logger *log.Logger) (*API, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if catalog == nil {
		catalog = profiles.Builtin()
	}
	return &API{
		coordinator: coordinator,
		directory:   dir,
		catalog:     catalog,
		logger:      logger,
		metrics:     newMetrics(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/enrollments", a.handleCreateEnrollment)
		r.Post("/profiles/rotate", a.handleRotateProfile)
		r.Get("/policies", a.handleListPolicies)
		r.Get("/customers/{customerID}", a.handleGetCustomer)
		r.Delete("/customers/{customerID}", a.handleRevokeCustomer)
	})

	return r, nil
}
