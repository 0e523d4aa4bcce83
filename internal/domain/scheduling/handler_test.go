package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
	"github.com/clinic/clinic/internal/platform/validation"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(f.svc), e, f
}

func newRequest(e *echo.Echo, method, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		c.SetParamNames("id")
		c.SetParamValues(params[0])
	}
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_CreateWindow(t *testing.T) {
	h, e, _ := newTestHandler(t)
	body := `{"specialty_id":3,"day_of_week":1,"start_time":"09:00","end_time":"12:00"}`
	c, rec := newRequest(e, http.MethodPost, body, testSpecialist.String())

	if err := h.CreateWindow(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["start_time"] != "09:00" || got["is_active"] != true {
		t.Errorf("unexpected body %v", got)
	}
}

func TestHandler_CreateWindow_BadRequest(t *testing.T) {
	h, e, _ := newTestHandler(t)
	for _, body := range []string{
		`{"day_of_week":1,"start_time":"09:00","end_time":"12:00"}`,
		`{"specialty_id":3,"start_time":"09:00","end_time":"12:00"}`,
		`{"specialty_id":3,"day_of_week":1,"start_time":"9am","end_time":"12:00"}`,
		`{"specialty_id":3,"day_of_week":0,"start_time":"09:00","end_time":"12:00"}`,
		`{"specialty_id":3,"day_of_week":6,"start_time":"09:00","end_time":"15:00"}`,
	} {
		c, _ := newRequest(e, http.MethodPost, body, testSpecialist.String())
		expectHTTPError(t, h.CreateWindow(c), http.StatusBadRequest)
	}
}

func TestHandler_CreateWindow_Overlap(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	body := `{"specialty_id":3,"day_of_week":1,"start_time":"10:00","end_time":"11:00"}`
	c, _ := newRequest(e, http.MethodPost, body, testSpecialist.String())
	expectHTTPError(t, h.CreateWindow(c), http.StatusConflict)
}

func TestHandler_DeleteWindow_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, _ := newRequest(e, http.MethodDelete, "", uuid.New().String())
	expectHTTPError(t, h.DeleteWindow(c), http.StatusNotFound)
}

func TestHandler_ListSlots(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)

	req := httptest.NewRequest(http.MethodGet, "/?specialty_id=3&days=7", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(testSpecialist.String())

	if err := h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Status string `json:"status"`
		Total  int    `json:"total"`
		Days   []struct {
			Date  string `json:"date"`
			Slots []struct {
				Time    string `json:"time"`
				DayName string `json:"day_name"`
			} `json:"slots"`
		} `json:"days"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != SlotsStatusOK || got.Total != 6 || len(got.Days) != 1 {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Days[0].Date != "2024-01-15" || got.Days[0].Slots[0].Time != "09:00" {
		t.Errorf("unexpected first slot %+v", got.Days[0])
	}
}

func TestHandler_ListSlots_NoSchedule(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?specialty_id=3", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(testSpecialist.String())

	if err := h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"no_schedule_configured"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ListSlots_BadQuery(t *testing.T) {
	h, e, _ := newTestHandler(t)
	for _, q := range []string{"/", "/?specialty_id=x", "/?specialty_id=3&days=0", "/?specialty_id=3&days=16", "/?specialty_id=3&days=365"} {
		req := httptest.NewRequest(http.MethodGet, q, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(testSpecialist.String())
		expectHTTPError(t, h.ListSlots(c), http.StatusBadRequest)
	}
}

func bookingBody(date, at string) string {
	return `{"patient_id":"` + testPatient.String() + `","specialist_id":"` + testSpecialist.String() +
		`","specialty_id":3,"appointment_date":"` + date + `","appointment_time":"` + at + `"}`
}

func TestHandler_BookAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	c, rec := newRequest(e, http.MethodPost, bookingBody("2024-01-22", "10:00"))

	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "requested" || got["appointment_time"] != "10:00" || got["appointment_date"] != "2024-01-22" {
		t.Errorf("unexpected body %v", got)
	}
}

func TestHandler_BookAppointment_Errors(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)

	c, _ := newRequest(e, http.MethodPost, `{"specialty_id":3}`)
	expectHTTPError(t, h.BookAppointment(c), http.StatusBadRequest)

	c, _ = newRequest(e, http.MethodPost, bookingBody("2024/01/22", "10:00"))
	expectHTTPError(t, h.BookAppointment(c), http.StatusBadRequest)

	c, _ = newRequest(e, http.MethodPost, bookingBody("2024-01-22", "13:00"))
	expectHTTPError(t, h.BookAppointment(c), http.StatusUnprocessableEntity)

	c, _ = newRequest(e, http.MethodPost, bookingBody("2024-01-22", "10:00"))
	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	c, _ = newRequest(e, http.MethodPost, bookingBody("2024-01-22", "10:00"))
	expectHTTPError(t, h.BookAppointment(c), http.StatusConflict)

	f.appts.listErr = errors.New("db down")
	c, _ = newRequest(e, http.MethodPost, bookingBody("2024-01-22", "11:00"))
	expectHTTPError(t, h.BookAppointment(c), http.StatusServiceUnavailable)
}

func TestHandler_GetAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	appt := f.book(t, "2024-01-22", "10:00")

	c, rec := newRequest(e, http.MethodGet, "", appt.ID.String())
	if err := h.GetAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newRequest(e, http.MethodGet, "", uuid.New().String())
	expectHTTPError(t, h.GetAppointment(c), http.StatusNotFound)

	c, _ = newRequest(e, http.MethodGet, "", "not-a-uuid")
	expectHTTPError(t, h.GetAppointment(c), http.StatusBadRequest)
}

func TestHandler_ListPatientAppointments(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	f.book(t, "2024-01-22", "10:00")
	f.book(t, "2024-01-22", "10:30")

	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(testPatient.String())

	if err := h.ListPatientAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 2 || len(got.Data) != 1 || !got.HasMore {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestHandler_Transitions(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	appt := f.book(t, "2024-01-22", "10:00")
	id := appt.ID.String()

	c, rec := newRequest(e, http.MethodPost, "", id)
	if err := h.Accept(c); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"accepted"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newRequest(e, http.MethodPost, "", id)
	expectHTTPError(t, h.Accept(c), http.StatusConflict)

	c, _ = newRequest(e, http.MethodPost, `{}`, id)
	expectHTTPError(t, h.Complete(c), http.StatusBadRequest)

	c, _ = newRequest(e, http.MethodPost, `{"review":"stable"}`, id)
	if err := h.Complete(c); err != nil {
		t.Fatalf("complete: %v", err)
	}

	c, _ = newRequest(e, http.MethodPost, `{"rating":9}`, id)
	expectHTTPError(t, h.Rate(c), http.StatusBadRequest)

	c, rec = newRequest(e, http.MethodPost, `{"rating":4,"comment":"fine"}`, id)
	if err := h.Rate(c); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"patient_rating":4`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newRequest(e, http.MethodPost, `{"answers":{"recommend":true}}`, id)
	if err := h.CompleteSurvey(c); err != nil {
		t.Fatalf("survey: %v", err)
	}

	stored, _ := f.appts.GetByID(context.Background(), appt.ID)
	if stored.StatusID != slotengine.StatusCompleted || !stored.SurveyCompleted {
		t.Errorf("unexpected stored state %+v", stored)
	}
}

func TestHandler_RejectAndCancel(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	first := f.book(t, "2024-01-22", "10:00")
	second := f.book(t, "2024-01-22", "10:30")

	c, _ := newRequest(e, http.MethodPost, `{}`, first.ID.String())
	expectHTTPError(t, h.Reject(c), http.StatusBadRequest)

	c, _ = newRequest(e, http.MethodPost, `{"reason":"not my specialty"}`, first.ID.String())
	if err := h.Reject(c); err != nil {
		t.Fatalf("reject: %v", err)
	}

	c, rec := newRequest(e, http.MethodPost, `{"reason":"conflict at work"}`, second.ID.String())
	if err := h.Cancel(c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"cancellation_reason":"conflict at work"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newRequest(e, http.MethodPost, `{"reason":"again"}`, first.ID.String())
	expectHTTPError(t, h.Cancel(c), http.StatusConflict)
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{ErrAppointmentNotFound, http.StatusNotFound},
		{ErrWindowNotFound, http.StatusNotFound},
		{ErrBookingConflict, http.StatusConflict},
		{ErrConcurrentUpdate, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrSlotOutsideSchedule, http.StatusUnprocessableEntity},
		{slotengine.ErrAppointmentFetchFailed, http.StatusServiceUnavailable},
		{slotengine.ErrAvailabilityFetchFailed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPError(t, httpError(tt.err), tt.code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.withMondayMorning(t)
	first := f.book(t, "2024-01-22", "10:00")
	f.book(t, "2024-01-22", "10:30")
	if _, err := f.svc.Cancel(context.Background(), first.ID, "patient unavailable"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?status_id=5", nil)
	rec := httptest.NewRecorder()
	if err := h.ListAppointments(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 1 || len(got.Data) != 1 || got.Data[0]["status"] != "cancelled" {
		t.Errorf("unexpected page %+v", got)
	}

	rec = httptest.NewRecorder()
	if err := h.ListAppointments(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 2 {
		t.Errorf("expected 2 appointments without a filter, got %d", got.Total)
	}
}

func TestHandler_ListAppointments_BadStatus(t *testing.T) {
	h, e, _ := newTestHandler(t)
	for _, q := range []string{"/?status_id=x", "/?status_id=9", "/?status_id=-1"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, q, nil), httptest.NewRecorder())
		expectHTTPError(t, h.ListAppointments(c), http.StatusBadRequest)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, e, _ := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{}
	for _, route := range []string{
		"GET /api/v1/specialists/:id/slots",
		"GET /api/v1/appointments",
		"POST /api/v1/appointments",
		"POST /api/v1/appointments/:id/survey",
		"DELETE /api/v1/availability/:id",
		"GET /api/v1/specialists/:id/appointments",
		"POST /api/v1/specialists/:id/availability",
	} {
		want[route] = false
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
