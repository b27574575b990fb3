// Package httpapi presents a gateway.Gateway over HTTP:
//
//	POST /v1/rows?table=<table>
//	  Body is a JSON array of Values, eg [{"type":"INTEGER","data":"1"}].
//	  Responds 200 if the row was written through, or 202 if it was queued.
//	GET /v1/rows?table=<table>&columns=<a,b>&limit=<n>
//	  Responds with selected cells as text/plain, joined by the separator.
//	GET /v1/status
//	  Responds with a JSON Status.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wmib/rowshim/gateway"
	"github.com/wmib/rowshim/row"
)

// Gateway is the capability of a gateway.Gateway presented by the Handler.
type Gateway interface {
	InsertRow(ctx context.Context, table string, r row.Row) bool
	Select(ctx context.Context, table, columns, query string) (string, error)
	CacheSize() int
	IsConnected() bool
	Recovering() bool
	LastError() error
}

// Status is the JSON response of GET /v1/status.
type Status struct {
	Pending    int    `json:"pending"`
	Connected  bool   `json:"connected"`
	Recovering bool   `json:"recovering"`
	LastError  string `json:"lastError,omitempty"`
	// Whether the recovery loop has stopped due to an unexpected failure.
	RecoveryStopped bool `json:"recoveryStopped,omitempty"`
}

// InsertResponse is the JSON response of POST /v1/rows.
type InsertResponse struct {
	Written bool `json:"written"`
	Pending int  `json:"pending"`
}

// maxBodySize bounds the size of a POSTed row.
const maxBodySize = 1 << 20

var columnsRe = regexp.MustCompile(`^(\*|[A-Za-z_][A-Za-z0-9_]*(\s*,\s*[A-Za-z_][A-Za-z0-9_]*)*)$`)

// Handler serves the HTTP API of a Gateway.
type Handler struct {
	decoder *schema.Decoder
	gateway Gateway
	// RecoveryStopped, if set, reports whether the recovery loop has stopped.
	RecoveryStopped func() bool
}

// NewHandler returns a Handler of the Gateway.
func NewHandler(gw Gateway) *Handler {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	return &Handler{
		decoder: decoder,
		gateway: gw,
	}
}

// Register the Handler's routes with the ServeMux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/rows", h)
	mux.Handle("/v1/status", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/rows" && r.Method == "POST":
		h.serveInsert(w, r)
	case r.URL.Path == "/v1/rows" && (r.Method == "GET" || r.Method == "HEAD"):
		h.serveSelect(w, r)
	case r.URL.Path == "/v1/status" && r.Method == "GET":
		h.serveStatus(w, r)
	case r.URL.Path == "/v1/rows" || r.URL.Path == "/v1/status":
		http.Error(w, fmt.Sprintf("unknown method: %s", r.Method), http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

type insertQuery struct {
	Table string `schema:"table,required"`
}

type selectQuery struct {
	Table   string `schema:"table,required"`
	Columns string `schema:"columns"`
	Limit   int    `schema:"limit"`
}

func (h *Handler) serveInsert(w http.ResponseWriter, r *http.Request) {
	var q insertQuery
	var values []row.Value

	var err = h.decodeQuery(r, &q)
	if err == nil {
		err = json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&values)
		err = errors.WithMessage(err, "decoding row")
	}
	var rr = row.New(values...)
	if err == nil && rr.Len() == 0 {
		err = errors.New("expected at least one Value")
	} else if err == nil {
		err = rr.Validate()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp = InsertResponse{Written: h.gateway.InsertRow(r.Context(), q.Table, rr)}
	resp.Pending = h.gateway.CacheSize()

	if resp.Written {
		writeJSON(w, http.StatusOK, resp)
	} else {
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (h *Handler) serveSelect(w http.ResponseWriter, r *http.Request) {
	var q selectQuery
	var err = h.decodeQuery(r, &q)

	if err == nil && q.Columns == "" {
		q.Columns = "*"
	}
	if err == nil && !columnsRe.MatchString(q.Columns) {
		err = errors.Errorf("invalid columns %q", q.Columns)
	} else if err == nil && q.Limit < 0 {
		err = errors.Errorf("invalid limit %d", q.Limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var clause string
	if q.Limit != 0 {
		clause = fmt.Sprintf("LIMIT %d", q.Limit)
	}
	out, err := h.gateway.Select(r.Context(), q.Table, q.Columns, clause)

	if errors.Cause(err) == gateway.ErrNotConnected {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "table": q.Table}).Warn("failed to serve select")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

func (h *Handler) serveStatus(w http.ResponseWriter, _ *http.Request) {
	var status = Status{
		Pending:    h.gateway.CacheSize(),
		Connected:  h.gateway.IsConnected(),
		Recovering: h.gateway.Recovering(),
	}
	if err := h.gateway.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if h.RecoveryStopped != nil {
		status.RecoveryStopped = h.RecoveryStopped()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) decodeQuery(r *http.Request, dst interface{}) error {
	var q, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = h.decoder.Decode(dst, q)
	}
	return errors.WithMessage(err, "parsing query")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("failed to write response")
	}
}
