// Package ingestion is the HTTP write path: batched event intake with
// per-record cleaning and classification, and explicit identify calls.
// A malformed record never rejects its batch; it is stored with its issue
// and logged to the quality monitor.
package ingestion

import (
	"github.com/gin-gonic/gin"
	"github.com/meridian-lab/project-meridian/internal/core/identity"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/quality"
)

type Service struct {
	store            storage.EventStore
	identities       storage.IdentityStore
	profiles         storage.ProfileStore
	resolver         *identity.Resolver
	quality          *quality.Monitor
	maxBodySizeBytes int
}

func NewService(
	store storage.EventStore,
	identities storage.IdentityStore,
	profiles storage.ProfileStore,
	resolver *identity.Resolver,
	monitor *quality.Monitor,
	maxBodySizeMB int,
) *Service {
	if store == nil {
		panic("ingestion: store must not be nil")
	}
	if identities == nil {
		panic("ingestion: identity store must not be nil")
	}
	if profiles == nil {
		panic("ingestion: profile store must not be nil")
	}
	if resolver == nil {
		panic("ingestion: resolver must not be nil")
	}
	if monitor == nil {
		panic("ingestion: quality monitor must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 4 // default to 4MB, batches are large
	}
	return &Service{
		store:            store,
		identities:       identities,
		profiles:         profiles,
		resolver:         resolver,
		quality:          monitor,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	// Canonical ingestion endpoint, batched.
	r.POST("/v1/events", s.IngestHandler)
	r.POST("/v1/identify", s.IdentifyHandler)

	// Backward-compatible alias. Can be removed after clients migrate.
	r.POST("/v1/ingest", s.IngestHandler)
}
