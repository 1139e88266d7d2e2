package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	httperr "github.com/meridian-lab/project-meridian/internal/core/errors"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/meridian-lab/project-meridian/internal/core/validation"

	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgBatchTooLarge  = "Batch exceeds maximum event count"
	msgBodyTooLarge   = "Request body exceeds maximum allowed size"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// batchSummary is the ingestion response body. Invalid and duplicate
// records never fail a batch; the producer sees them in the counts.
type batchSummary struct {
	Status     string `json:"status"`
	Received   int    `json:"received"`
	Accepted   int    `json:"accepted"`
	Invalid    int    `json:"invalid"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
}

// IngestHandler handles HTTP POST requests for batched event ingestion.
func (s *Service) IngestHandler(c *gin.Context) {
	batch, payloadSize, err := s.parseBatch(c)
	if err != nil {
		writeError(c, err)
		return
	}

	summary := s.processBatch(c.Request.Context(), batch)

	slog.Info("Processed event batch",
		"received", summary.Received,
		"accepted", summary.Accepted,
		"invalid", summary.Invalid,
		"duplicates", summary.Duplicates,
		"failed", summary.Failed,
		"payload_size", payloadSize)

	// Events persisted to the log. The sessionizer picks them up on its
	// next sweep.
	c.JSON(http.StatusAccepted, summary)
}

// parseBatch reads the raw request body and binds it into an EventBatch.
// Returns the batch and the raw payload size (used for structured logging upstream).
func (s *Service) parseBatch(c *gin.Context) (*v1.EventBatch, int, *ingestionError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	// Check if body exceeds maximum size
	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgBodyTooLarge,
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var batch v1.EventBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if len(batch.Events) > v1.MaxBatchEvents {
		slog.Warn("Batch exceeds maximum event count", "events", len(batch.Events), "max", v1.MaxBatchEvents)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpBatchTooLarge,
			message:    msgBatchTooLarge,
			details: map[string]interface{}{
				"max_events": v1.MaxBatchEvents,
			},
		}
	}

	return &batch, len(bodyBytes), nil
}

// processBatch cleans, classifies, and persists every record. Classification
// never rejects: invalid events are stored with their issue so the sweep
// cursor advances past them, and logged to the quality monitor.
func (s *Service) processBatch(ctx context.Context, batch *v1.EventBatch) batchSummary {
	summary := batchSummary{Status: "accepted", Received: len(batch.Events)}
	now := time.Now().UTC()

	var issues []storage.IssueRecord
	for _, evt := range batch.Events {
		validation.Clean(evt)
		res := validation.Classify(evt, now)
		evt.IngestedAt = now
		evt.Valid = res.Valid
		evt.Issue = res.Issue

		if err := s.store.SaveEvent(ctx, evt); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				// Re-delivery of an already-stored event is a no-op.
				summary.Duplicates++
				continue
			}
			slog.Error("Failed to persist event", "error", err, "event_id", evt.ID)
			summary.Failed++
			continue
		}

		if res.Valid {
			summary.Accepted++
		} else {
			summary.Invalid++
			issues = append(issues, storage.IssueRecord{
				EventID:    evt.ID,
				Issue:      res.Issue,
				Severity:   res.Severity,
				Detail:     res.Detail,
				RecordedAt: now,
			})
		}
	}

	if err := s.quality.RecordBatch(ctx, issues); err != nil {
		// Quality logging is best-effort; the events themselves are stored.
		slog.Error("Failed to record quality issues", "error", err, "issues", len(issues))
	}

	return summary
}

// IdentifyHandler links an anonymous id to a known user id and merges
// profile traits.
func (s *Service) IdentifyHandler(c *gin.Context) {
	var req v1.Identify
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Invalid identify body received", "error", err)
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}

	req.UserID = validation.CleanString(req.UserID, validation.MaxStringLength)
	req.AnonymousID = validation.CleanString(req.AnonymousID, validation.MaxStringLength)
	if err := req.Validate(); err != nil {
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()

	if err := s.identities.SaveLink(ctx, storage.IdentityLink{
		AnonymousID: req.AnonymousID,
		UserID:      req.UserID,
		LinkedAt:    now,
	}); err != nil {
		slog.Error("Failed to persist identity link", "error", err, "anonymous_id", req.AnonymousID)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to persist identity link",
		})
		return
	}

	outcome := s.resolver.Merge(req.AnonymousID, req.UserID)
	if outcome.Conflict {
		slog.Warn("Identity link re-pointed",
			"anonymous_id", req.AnonymousID,
			"user_id", req.UserID,
			"previous_user_id", outcome.Previous)
	}

	if len(req.Traits) > 0 {
		if err := s.profiles.MergeTraits(ctx, req.UserID, req.Traits); err != nil {
			slog.Error("Failed to merge traits", "error", err, "user_id", req.UserID)
			writeError(c, &ingestionError{
				statusCode: http.StatusInternalServerError,
				errorType:  httperr.HttpInternalError,
				message:    "Failed to merge traits",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "linked",
		"relinked": outcome.Conflict,
	})
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
