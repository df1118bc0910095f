package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/cloudinary"
	"attendguard/internal/credential"
	"attendguard/internal/model"
	"attendguard/internal/notify"
)

const (
	testKey    = "test-key"
	testIssuer = "attendguard"
)

type checkInsStub struct {
	submit func(ctx context.Context, req attendance.SubmitRequest) (attendance.Verdict, error)
}

func (s checkInsStub) Submit(ctx context.Context, req attendance.SubmitRequest) (attendance.Verdict, error) {
	return s.submit(ctx, req)
}

type sessionsStub map[string]model.Session

func (s sessionsStub) GetSession(_ context.Context, id string) (model.Session, error) {
	if sess, ok := s[id]; ok {
		return sess, nil
	}
	return model.Session{}, model.ErrNotFound
}

type credentialsStub struct {
	issue  func(ctx context.Context, session model.Session, opts credential.IssueOptions) (model.Credential, error)
	revoke func(ctx context.Context, id string) error
	get    func(ctx context.Context, id string) (model.Credential, error)
	state  func(ctx context.Context, c model.Credential, session model.Session) (model.CredentialState, error)
}

func (s credentialsStub) Issue(ctx context.Context, session model.Session, opts credential.IssueOptions) (model.Credential, error) {
	return s.issue(ctx, session, opts)
}
func (s credentialsStub) Revoke(ctx context.Context, id string) error { return s.revoke(ctx, id) }
func (s credentialsStub) Get(ctx context.Context, id string) (model.Credential, error) {
	return s.get(ctx, id)
}
func (s credentialsStub) State(ctx context.Context, c model.Credential, session model.Session) (model.CredentialState, error) {
	return s.state(ctx, c, session)
}

type alertsStub struct {
	get     func(ctx context.Context, id string) (model.FraudAlert, error)
	list    func(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error)
	resolve func(ctx context.Context, id string, to model.AlertStatus, resolverID, notes string) (model.FraudAlert, error)
}

func (s alertsStub) GetAlert(ctx context.Context, id string) (model.FraudAlert, error) {
	return s.get(ctx, id)
}
func (s alertsStub) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	return s.list(ctx, f)
}
func (s alertsStub) ResolveAlert(ctx context.Context, id string, to model.AlertStatus, resolverID, notes string) (model.FraudAlert, error) {
	return s.resolve(ctx, id, to, resolverID, notes)
}

type notificationsStub struct {
	send      func(ctx context.Context, req notify.SendRequest) (model.DeliveryHandle, error)
	cancel    func(ctx context.Context, id string) (model.Message, error)
	history   func(ctx context.Context, id string) ([]model.Delivery, error)
	broadcast func(ctx context.Context, recipients []string, req notify.SendRequest) (notify.BatchReport, error)
}

func (s notificationsStub) Send(ctx context.Context, req notify.SendRequest) (model.DeliveryHandle, error) {
	return s.send(ctx, req)
}
func (s notificationsStub) Get(context.Context, string) (model.Message, error) {
	return model.Message{}, model.ErrNotFound
}
func (s notificationsStub) Cancel(ctx context.Context, id string) (model.Message, error) {
	return s.cancel(ctx, id)
}
func (s notificationsStub) History(ctx context.Context, id string) ([]model.Delivery, error) {
	return s.history(ctx, id)
}
func (s notificationsStub) Broadcast(ctx context.Context, recipients []string, req notify.SendRequest) (notify.BatchReport, error) {
	return s.broadcast(ctx, recipients, req)
}

type evidenceStub struct {
	upload func(ctx context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error)
}

func (s evidenceStub) UploadEvidence(ctx context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error) {
	return s.upload(ctx, studentID, data, filename)
}

func newTestServer(s *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s.Opts = Options{SigningKey: testKey, Issuer: testIssuer, MaxPhotoBytes: 64}
	if s.Sessions == nil {
		s.Sessions = sessionsStub{"sess-1": {ID: "sess-1", ProfessorID: "prof-1"}}
	}
	return s.Router()
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	pair, err := auth.Issue(sub, role, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair.AccessToken
}

func do(t *testing.T, r http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{model.ErrMalformedEvidence, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", notify.ErrInvalidMessage), http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrCredentialExpired, http.StatusGone},
		{model.ErrAttemptLimitExceeded, http.StatusTooManyRequests},
		{model.ErrRateLimited, http.StatusTooManyRequests},
		{model.ErrDuplicateAttempt, http.StatusConflict},
		{model.ErrInvalidTransition, http.StatusConflict},
		{model.ErrChannelUnavailable, http.StatusUnprocessableEntity},
		{model.ErrDeliveryTimeout, http.StatusGatewayTimeout},
		{errForbidden, http.StatusForbidden},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.status {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestCheckIn(t *testing.T) {
	var got attendance.SubmitRequest
	r := newTestServer(&Server{CheckIns: checkInsStub{submit: func(_ context.Context, req attendance.SubmitRequest) (attendance.Verdict, error) {
		got = req
		switch req.CredentialID {
		case "cred-expired":
			return attendance.Verdict{AttemptID: "att-2", Decision: model.DecisionReject, Reason: "CREDENTIAL_EXPIRED"}, model.ErrCredentialExpired
		case "cred-missing":
			return attendance.Verdict{}, fmt.Errorf("load credential: %w", model.ErrNotFound)
		}
		return attendance.Verdict{AttemptID: req.AttemptID, Decision: model.DecisionAccept, RiskScore: 12}, nil
	}}})
	stu := token(t, "stu-1", auth.RoleStudent)
	body := map[string]any{
		"attempt_id":    "att-1",
		"credential_id": "cred-1",
		"evidence": map[string]any{
			"location":           map[string]any{"latitude": 40.7128, "longitude": -74.006},
			"device_fingerprint": "dev-1",
		},
	}

	w := do(t, r, http.MethodPost, "/v1/checkins", stu, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	if got.StudentID != "stu-1" || got.Evidence.Location == nil || got.Evidence.DeviceFingerprint != "dev-1" {
		t.Fatalf("unexpected submit request %+v", got)
	}
	if out := decode(t, w); out["status"] != "ACCEPT" {
		t.Fatalf("unexpected verdict %v", out)
	}

	body["credential_id"] = "cred-expired"
	w = do(t, r, http.MethodPost, "/v1/checkins", stu, body)
	out := decode(t, w)
	if w.Code != http.StatusGone || out["error"] != "CREDENTIAL_EXPIRED" || out["verdict"] == nil {
		t.Fatalf("expected expired with verdict, got %d %v", w.Code, out)
	}

	body["credential_id"] = "cred-missing"
	if w := do(t, r, http.MethodPost, "/v1/checkins", stu, body); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}

	if w := do(t, r, http.MethodPost, "/v1/checkins", stu, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing credential should be 400, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/v1/checkins", token(t, "prof-1", auth.RoleProfessor), body); w.Code != http.StatusForbidden {
		t.Fatalf("professor check-in should be 403, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/v1/checkins", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous check-in should be 401, got %d", w.Code)
	}
}

func TestUploadPhoto(t *testing.T) {
	r := newTestServer(&Server{Evidence: evidenceStub{upload: func(_ context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error) {
		return &cloudinary.UploadResult{SecureURL: "https://res.cloudinary.com/demo/image/upload/" + studentID + "/" + filename, Bytes: len(data)}, nil
	}}})

	upload := func(size int) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "selfie.jpg")
		fw.Write(bytes.Repeat([]byte{0xff}, size))
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/v1/evidence/photos", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token(t, "stu-1", auth.RoleStudent))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := upload(32)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	if out := decode(t, w); out["url"] != "https://res.cloudinary.com/demo/image/upload/stu-1/selfie.jpg" {
		t.Fatalf("unexpected upload response %v", out)
	}
	if w := upload(65); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized photo should be 413, got %d", w.Code)
	}
}

func TestCredentials(t *testing.T) {
	creds := map[string]model.Credential{"cred-1": {ID: "cred-1", SessionID: "sess-1"}}
	revoked := ""
	r := newTestServer(&Server{Credentials: credentialsStub{
		issue: func(_ context.Context, s model.Session, opts credential.IssueOptions) (model.Credential, error) {
			return model.Credential{ID: "cred-new", SessionID: s.ID, MaxAttempts: opts.MaxAttempts}, nil
		},
		revoke: func(_ context.Context, id string) error { revoked = id; return nil },
		get: func(_ context.Context, id string) (model.Credential, error) {
			c, ok := creds[id]
			if !ok {
				return model.Credential{}, model.ErrNotFound
			}
			return c, nil
		},
		state: func(context.Context, model.Credential, model.Session) (model.CredentialState, error) {
			return model.CredentialConsumable, nil
		},
	}})
	prof := token(t, "prof-1", auth.RoleProfessor)
	other := token(t, "prof-2", auth.RoleProfessor)

	w := do(t, r, http.MethodPost, "/v1/sessions/sess-1/credentials", prof, map[string]any{"max_attempts": 2})
	if w.Code != http.StatusCreated || decode(t, w)["max_attempts"] != float64(2) {
		t.Fatalf("issue: %d %s", w.Code, w.Body)
	}
	if w := do(t, r, http.MethodPost, "/v1/sessions/sess-1/credentials", other, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign session should be 403, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/v1/sessions/sess-9/credentials", token(t, "admin-1", auth.RoleAdmin), nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session should be 404, got %d", w.Code)
	}

	w = do(t, r, http.MethodGet, "/v1/credentials/cred-1", token(t, "stu-1", auth.RoleStudent), nil)
	if w.Code != http.StatusOK || decode(t, w)["state"] != "CONSUMABLE" {
		t.Fatalf("state: %d %s", w.Code, w.Body)
	}

	if w := do(t, r, http.MethodDelete, "/v1/credentials/cred-1", other, nil); w.Code != http.StatusForbidden || revoked != "" {
		t.Fatalf("foreign revoke should be 403, got %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/v1/credentials/cred-1", prof, nil); w.Code != http.StatusNoContent || revoked != "cred-1" {
		t.Fatalf("revoke: %d", w.Code)
	}
}

func TestAlerts(t *testing.T) {
	alerts := map[string]model.FraudAlert{
		"a-1": {ID: "a-1", ProfessorID: "prof-1", Status: model.AlertPending},
		"a-2": {ID: "a-2", ProfessorID: "prof-2", Status: model.AlertPending},
	}
	var listed model.AlertFilter
	var resolver string
	r := newTestServer(&Server{Alerts: alertsStub{
		get: func(_ context.Context, id string) (model.FraudAlert, error) {
			a, ok := alerts[id]
			if !ok {
				return model.FraudAlert{}, model.ErrNotFound
			}
			return a, nil
		},
		list: func(_ context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
			listed = f
			return nil, nil
		},
		resolve: func(_ context.Context, id string, to model.AlertStatus, resolverID, _ string) (model.FraudAlert, error) {
			resolver = resolverID
			if to == model.AlertPending {
				return model.FraudAlert{}, model.ErrInvalidTransition
			}
			a := alerts[id]
			a.Status = to
			return a, nil
		},
	}})
	prof := token(t, "prof-1", auth.RoleProfessor)

	w := do(t, r, http.MethodGet, "/v1/alerts?status=PENDING&limit=10&offset=5", prof, nil)
	if w.Code != http.StatusOK || listed.ProfessorID != "prof-1" || listed.Status != model.AlertPending || listed.Limit != 10 || listed.Offset != 5 {
		t.Fatalf("list: %d %+v", w.Code, listed)
	}
	if out := decode(t, w); out["alerts"] == nil {
		t.Fatalf("alerts should be an empty list, got %v", out)
	}
	do(t, r, http.MethodGet, "/v1/alerts", token(t, "admin-1", auth.RoleAdmin), nil)
	if listed.ProfessorID != "" {
		t.Fatal("admins list every alert")
	}

	if w := do(t, r, http.MethodGet, "/v1/alerts/a-2", prof, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign alert should be 403, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/v1/alerts/a-9", prof, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown alert should be 404, got %d", w.Code)
	}

	w = do(t, r, http.MethodPost, "/v1/alerts/a-1/resolve", prof, map[string]any{"status": "RESOLVED", "notes": "verified in class"})
	if w.Code != http.StatusOK || resolver != "prof-1" || decode(t, w)["status"] != "RESOLVED" {
		t.Fatalf("resolve: %d %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodPost, "/v1/alerts/a-1/resolve", prof, map[string]any{"status": "PENDING"})
	if w.Code != http.StatusConflict || decode(t, w)["error"] != "INVALID_TRANSITION" {
		t.Fatalf("invalid transition: %d %s", w.Code, w.Body)
	}
	if w := do(t, r, http.MethodGet, "/v1/alerts", token(t, "stu-1", auth.RoleStudent), nil); w.Code != http.StatusForbidden {
		t.Fatalf("students cannot list alerts, got %d", w.Code)
	}
}

func TestNotifications(t *testing.T) {
	var broadcastTo []string
	var broadcastReq notify.SendRequest
	r := newTestServer(&Server{Notifications: notificationsStub{
		send: func(_ context.Context, req notify.SendRequest) (model.DeliveryHandle, error) {
			if req.RecipientID == "busy" {
				return model.DeliveryHandle{}, model.ErrRateLimited
			}
			return model.DeliveryHandle{MessageID: "msg-1", Status: model.MessagePending}, nil
		},
		cancel: func(_ context.Context, id string) (model.Message, error) {
			if id == "msg-sent" {
				return model.Message{ID: id, Status: model.MessageDelivered}, model.ErrInvalidTransition
			}
			return model.Message{}, model.ErrNotFound
		},
		history: func(context.Context, string) ([]model.Delivery, error) { return nil, nil },
		broadcast: func(_ context.Context, recipients []string, req notify.SendRequest) (notify.BatchReport, error) {
			broadcastTo, broadcastReq = recipients, req
			return notify.BatchReport{
				Sent:     []model.DeliveryHandle{{MessageID: "m-1"}},
				Failures: map[string]string{"stu-3": "RATE_LIMITED"},
			}, model.ErrRateLimited
		},
	}})
	prof := token(t, "prof-1", auth.RoleProfessor)

	w := do(t, r, http.MethodPost, "/v1/notifications", prof, map[string]any{"recipient_id": "stu-1", "subject": "hi"})
	if w.Code != http.StatusAccepted || decode(t, w)["message_id"] != "msg-1" {
		t.Fatalf("send: %d %s", w.Code, w.Body)
	}
	if w := do(t, r, http.MethodPost, "/v1/notifications", prof, map[string]any{"recipient_id": "busy", "subject": "hi"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limited should be 429, got %d", w.Code)
	}

	w = do(t, r, http.MethodDelete, "/v1/notifications/msg-sent", prof, nil)
	if w.Code != http.StatusConflict || decode(t, w)["status"] != "DELIVERED" {
		t.Fatalf("cancel delivered: %d %s", w.Code, w.Body)
	}
	if w := do(t, r, http.MethodDelete, "/v1/notifications/msg-x", prof, nil); w.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/v1/notifications/msg-1/deliveries", prof, nil); w.Code != http.StatusOK {
		t.Fatalf("history: %d", w.Code)
	}

	w = do(t, r, http.MethodPost, "/v1/sessions/sess-1/broadcast", prof, map[string]any{
		"recipients": []string{"stu-1", "stu-2", "stu-3"},
		"subject":    "Evacuate building",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("broadcast: %d %s", w.Code, w.Body)
	}
	if len(broadcastTo) != 3 || broadcastReq.Priority != model.PriorityEmergency || broadcastReq.Data["session_id"] != "sess-1" {
		t.Fatalf("unexpected broadcast %v %+v", broadcastTo, broadcastReq)
	}
	if w := do(t, r, http.MethodPost, "/v1/sessions/sess-1/broadcast", token(t, "prof-2", auth.RoleProfessor),
		map[string]any{"recipients": []string{"stu-1"}, "subject": "x"}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign broadcast should be 403, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	healthy := true
	r := newTestServer(&Server{Health: map[string]HealthCheck{
		"db":    func(context.Context) bool { return true },
		"redis": func(context.Context) bool { return healthy },
	}})
	if w := do(t, r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	healthy = false
	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	if out := decode(t, w); w.Code != http.StatusServiceUnavailable || out["redis"] != false || out["db"] != true {
		t.Fatalf("degraded healthz: %d %v", w.Code, out)
	}
}
