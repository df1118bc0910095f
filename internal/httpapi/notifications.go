package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendguard/internal/auth"
	"attendguard/internal/model"
	"attendguard/internal/notify"
)

func (s *Server) sendNotification(c *gin.Context) {
	var req notify.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h, err := s.Notifications.Send(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, h)
}

func (s *Server) getNotification(c *gin.Context) {
	m, err := s.Notifications.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) cancelNotification(c *gin.Context) {
	m, err := s.Notifications.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		extra := gin.H{}
		if m.ID != "" {
			extra["status"] = m.Status
		}
		s.fail(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deliveryHistory(c *gin.Context) {
	history, err := s.Notifications.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if history == nil {
		history = []model.Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": history})
}

type broadcastRequest struct {
	Recipients []string          `json:"recipients" binding:"required"`
	Priority   model.Priority    `json:"priority"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
}

// broadcast sends one message to every listed participant of a session.
// Partial failures are reported per recipient with a 200.
func (s *Server) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	session, err := s.ownedSession(c, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if req.Priority == "" {
		req.Priority = model.PriorityEmergency
	}
	data := map[string]string{}
	for k, v := range req.Data {
		data[k] = v
	}
	data["session_id"] = session.ID
	p, _ := auth.Principal(c)
	data["sender_id"] = p.Subject

	report, err := s.Notifications.Broadcast(c.Request.Context(), req.Recipients, notify.SendRequest{
		Priority: req.Priority,
		Subject:  req.Subject,
		Body:     req.Body,
		Data:     data,
	})
	if err != nil && len(report.Sent) == 0 {
		s.fail(c, err, gin.H{"failures": report.Failures})
		return
	}
	c.JSON(http.StatusOK, report)
}
