package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/credential"
	"attendguard/internal/model"
)

type checkInRequest struct {
	AttemptID    string         `json:"attempt_id"`
	CredentialID string         `json:"credential_id" binding:"required"`
	Evidence     model.Evidence `json:"evidence"`
}

// submitCheckIn runs the verification pipeline for the calling student. The
// verdict is included even when a credential error short-circuits scoring.
func (s *Server) submitCheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, _ := auth.Principal(c)
	v, err := s.CheckIns.Submit(c.Request.Context(), attendance.SubmitRequest{
		AttemptID:    req.AttemptID,
		CredentialID: req.CredentialID,
		StudentID:    p.Subject,
		Evidence:     req.Evidence,
	})
	if err != nil {
		var extra gin.H
		if v.AttemptID != "" {
			extra = gin.H{"verdict": v}
		}
		s.fail(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) uploadPhoto(c *gin.Context) {
	if s.Evidence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.Opts.MaxPhotoBytes+1<<10)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file field required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.Opts.MaxPhotoBytes+1))
	if err != nil {
		badRequest(c, "read file failed")
		return
	}
	if int64(len(data)) > s.Opts.MaxPhotoBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "BAD_REQUEST", "message": "photo too large"})
		return
	}

	p, _ := auth.Principal(c)
	result, err := s.Evidence.UploadEvidence(c.Request.Context(), p.Subject, data, header.Filename)
	if err != nil {
		s.Log.Warn("evidence upload failed", zap.String("student_id", p.Subject), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"url":       result.SecureURL,
		"public_id": result.PublicID,
		"bytes":     result.Bytes,
	})
}

type issueRequest struct {
	ValidFrom       time.Time      `json:"valid_from"`
	ValidTo         time.Time      `json:"valid_to"`
	MaxAttempts     int            `json:"max_attempts"`
	SingleUse       bool           `json:"single_use"`
	RequiredFactors []model.Factor `json:"required_factors"`
}

func (s *Server) issueCredential(c *gin.Context) {
	var req issueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	session, err := s.ownedSession(c, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	cred, err := s.Credentials.Issue(c.Request.Context(), session, credential.IssueOptions{
		ValidFrom:       req.ValidFrom,
		ValidTo:         req.ValidTo,
		MaxAttempts:     req.MaxAttempts,
		SingleUse:       req.SingleUse,
		RequiredFactors: req.RequiredFactors,
	})
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

// credentialState is readable by any principal so students can check a QR
// code before submitting.
func (s *Server) credentialState(c *gin.Context) {
	ctx := c.Request.Context()
	cred, err := s.Credentials.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	session, err := s.Sessions.GetSession(ctx, cred.SessionID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	state, err := s.Credentials.State(ctx, cred, session)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         cred.ID,
		"session_id": cred.SessionID,
		"state":      state,
		"valid_from": cred.ValidFrom,
		"valid_to":   cred.ValidTo,
	})
}

func (s *Server) revokeCredential(c *gin.Context) {
	ctx := c.Request.Context()
	cred, err := s.Credentials.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if _, err := s.ownedSession(c, cred.SessionID); err != nil {
		s.fail(c, err, nil)
		return
	}
	if err := s.Credentials.Revoke(ctx, cred.ID); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// ownedSession loads a session the caller may manage: admins manage every
// session, professors only their own.
func (s *Server) ownedSession(c *gin.Context, id string) (model.Session, error) {
	session, err := s.Sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		return model.Session{}, err
	}
	p, _ := auth.Principal(c)
	if p.Role != auth.RoleAdmin && session.ProfessorID != p.Subject {
		return model.Session{}, fmt.Errorf("session %s: %w", id, errForbidden)
	}
	return session, nil
}
