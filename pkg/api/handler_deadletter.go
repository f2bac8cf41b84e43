package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/deadletter"
	"github.com/replyloop/replyloop/pkg/faults"
)

// operator returns the acting operator identity for audit attribution.
func operator(c *gin.Context) string {
	if op := c.GetHeader("X-Operator"); op != "" {
		return op
	}
	return "operator"
}

func (s *Server) listDeadLetters(c *gin.Context) {
	var tenantFilter *uuid.UUID
	if raw := c.Query("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, faults.Newf(faults.KindValidation, faults.CodeMalformedPayload,
				"invalid tenant_id: %q", raw))
			return
		}
		tenantFilter = &id
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := s.dlq.List(c.Request.Context(), tenantFilter, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

func (s *Server) redriveDeadLetter(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, faults.Newf(faults.KindValidation, faults.CodeMalformedPayload,
			"invalid dead letter id: %q", c.Param("id")))
		return
	}

	// The body is optional; override_priority lets the operator jump the
	// redriven job ahead of the backlog.
	var req struct {
		OverridePriority *int `json:"override_priority"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, faults.New(faults.KindValidation, faults.CodeMalformedPayload, err))
			return
		}
	}

	jobID, err := s.dlq.Redrive(c.Request.Context(), entryID, operator(c), req.OverridePriority)
	if err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{
				"code":    "DEAD_LETTER_NOT_FOUND",
				"message": err.Error(),
			}})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dead_letter_id": entryID,
		"job_id":         jobID,
		"status":         "redriven",
	})
}

func (s *Server) discardDeadLetter(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, faults.Newf(faults.KindValidation, faults.CodeMalformedPayload,
			"invalid dead letter id: %q", c.Param("id")))
		return
	}

	if err := s.dlq.RedactAndDiscard(c.Request.Context(), entryID, operator(c)); err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{
				"code":    "DEAD_LETTER_NOT_FOUND",
				"message": err.Error(),
			}})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dead_letter_id": entryID,
		"status":         "discarded",
	})
}
