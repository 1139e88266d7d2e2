package reporting

import (
	"errors"
	"net/http"
	"strconv"

	httperr "github.com/meridian-lab/project-meridian/internal/core/errors"
	"github.com/meridian-lab/project-meridian/internal/core/storage"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all reporting API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/journey/:user_id", s.HandleJourney)
	r.GET("/v1/profile/:user_id", s.HandleProfile)

	r.GET("/v1/attribution", s.HandleAttribution)
	r.GET("/v1/funnels", s.HandleFunnels)
	r.GET("/v1/cohorts", s.HandleCohorts)
	r.GET("/v1/segments", s.HandleSegments)
	r.GET("/v1/roi", s.HandleCampaignROI)

	r.GET("/v1/quality", s.HandleQuality)
	r.GET("/v1/stats", s.HandleStats)
}

// HandleJourney handles GET /v1/journey/:user_id.
func (s *Service) HandleJourney(c *gin.Context) {
	resp, err := s.Journey(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeQueryError(c, err, "Failed to build journey")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleProfile handles GET /v1/profile/:user_id.
func (s *Service) HandleProfile(c *gin.Context) {
	resp, err := s.Profile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeQueryError(c, err, "Failed to load profile")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleAttribution handles GET /v1/attribution?model=last_touch.
func (s *Service) HandleAttribution(c *gin.Context) {
	resp, err := s.Attribution(c.Request.Context(), c.Query("model"))
	if err != nil {
		writeQueryError(c, err, "Failed to load attribution report")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleFunnels handles GET /v1/funnels.
func (s *Service) HandleFunnels(c *gin.Context) {
	resp, err := s.Funnels(c.Request.Context())
	if err != nil {
		writeQueryError(c, err, "Failed to load funnel reports")
		return
	}
	c.JSON(http.StatusOK, gin.H{"funnels": resp})
}

// HandleCohorts handles GET /v1/cohorts.
func (s *Service) HandleCohorts(c *gin.Context) {
	resp, err := s.Cohorts(c.Request.Context())
	if err != nil {
		writeQueryError(c, err, "Failed to load cohort retention")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cohorts": resp})
}

// HandleSegments handles GET /v1/segments.
func (s *Service) HandleSegments(c *gin.Context) {
	resp, err := s.Segments(c.Request.Context())
	if err != nil {
		writeQueryError(c, err, "Failed to load segmentation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": resp})
}

// HandleCampaignROI handles GET /v1/roi?analysis_days=30.
func (s *Service) HandleCampaignROI(c *gin.Context) {
	days, err := intQuery(c, "analysis_days")
	if err != nil {
		writeQueryError(c, err, "")
		return
	}
	resp, err := s.CampaignROI(c.Request.Context(), days)
	if err != nil {
		writeQueryError(c, err, "Failed to compute campaign ROI")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleQuality handles GET /v1/quality?days=7.
func (s *Service) HandleQuality(c *gin.Context) {
	days, err := intQuery(c, "days")
	if err != nil {
		writeQueryError(c, err, "")
		return
	}
	resp, err := s.Quality(c.Request.Context(), days)
	if err != nil {
		writeQueryError(c, err, "Failed to build quality report")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleStats handles GET /v1/stats.
func (s *Service) HandleStats(c *gin.Context) {
	resp, err := s.Stats(c.Request.Context())
	if err != nil {
		writeQueryError(c, err, "Failed to load stats")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidQueryf("%s must be an integer", name)
	}
	return n, nil
}

// writeQueryError maps service errors onto the HTTP error shape.
func writeQueryError(c *gin.Context, err error, internalMsg string) {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid query",
			Details:   err.Error(),
		})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpNotFoundError,
			Message:   "Not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   internalMsg,
			Details:   err.Error(),
		})
	}
}
