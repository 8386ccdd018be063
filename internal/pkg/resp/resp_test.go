package resp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"meetmesh/internal/pkg/errs"
)

func serve(h http.HandlerFunc) (*httptest.ResponseRecorder, JSONResponse) {
	rec := httptest.NewRecorder()
	middleware.RequestID(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body JSONResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestRespondSuccess(t *testing.T) {
	rec, body := serve(func(w http.ResponseWriter, r *http.Request) {
		RespondSuccess(w, r, map[string]int{"n": 1})
	})
	if rec.Code != http.StatusOK || body.Code != 0 || body.RequestID != "" {
		t.Fatalf("%d %+v", rec.Code, body)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatal("content type not set")
	}
}

func TestRespondErrorCarriesRequestID(t *testing.T) {
	rec, body := serve(func(w http.ResponseWriter, r *http.Request) {
		RespondError(w, r, errs.NewError(errs.ErrMeetingNotFound))
	})
	if rec.Code != http.StatusNotFound || body.Code != errs.ErrMeetingNotFound || body.RequestID == "" {
		t.Fatalf("%d %+v", rec.Code, body)
	}
}

func TestRespondErrHidesForeignErrors(t *testing.T) {
	rec, body := serve(func(w http.ResponseWriter, r *http.Request) {
		RespondErr(w, r, errors.New("pq: password authentication failed"))
	})
	if body.Code != errs.ErrUnknown || rec.Code != errs.NewError(errs.ErrUnknown).Status {
		t.Fatalf("%d %+v", rec.Code, body)
	}
	if body.Message == "pq: password authentication failed" {
		t.Fatal("internal error leaked")
	}
}
