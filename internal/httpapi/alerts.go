package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"attendguard/internal/auth"
	"attendguard/internal/model"
)

func (s *Server) listAlerts(c *gin.Context) {
	f := model.AlertFilter{
		Status:    model.AlertStatus(c.Query("status")),
		Severity:  model.Severity(c.Query("severity")),
		Type:      model.AlertType(c.Query("type")),
		SessionID: c.Query("session_id"),
		StudentID: c.Query("student_id"),
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}
	if p, _ := auth.Principal(c); p.Role != auth.RoleAdmin {
		f.ProfessorID = p.Subject
	}
	alerts, err := s.Alerts.ListAlerts(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if alerts == nil {
		alerts = []model.FraudAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) getAlert(c *gin.Context) {
	a, err := s.visibleAlert(c, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, a)
}

type resolveRequest struct {
	Status model.AlertStatus `json:"status" binding:"required"`
	Notes  string            `json:"notes"`
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := c.Param("id")
	if _, err := s.visibleAlert(c, id); err != nil {
		s.fail(c, err, nil)
		return
	}
	p, _ := auth.Principal(c)
	a, err := s.Alerts.ResolveAlert(c.Request.Context(), id, req.Status, p.Subject, req.Notes)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) visibleAlert(c *gin.Context, id string) (model.FraudAlert, error) {
	a, err := s.Alerts.GetAlert(c.Request.Context(), id)
	if err != nil {
		return model.FraudAlert{}, err
	}
	if p, _ := auth.Principal(c); p.Role != auth.RoleAdmin && a.ProfessorID != p.Subject {
		return model.FraudAlert{}, fmt.Errorf("alert %s: %w", id, errForbidden)
	}
	return a, nil
}
