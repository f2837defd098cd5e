package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	applobby "tonrody/internal/app/lobby"
	"tonrody/internal/chain"
	"tonrody/internal/store"
)

const healthTimeout = 2 * time.Second

type AdminHandlers struct {
	store    store.Repository
	chain    chain.Client
	lobbySvc *applobby.Service
	wsOK     func() bool
}

func NewAdminHandlers(st store.Repository, cc chain.Client, lobbySvc *applobby.Service, wsOK func() bool) *AdminHandlers {
	if cc == nil {
		cc = chain.Offline{}
	}
	if wsOK == nil {
		wsOK = func() bool { return false }
	}
	return &AdminHandlers{store: st, chain: cc, lobbySvc: lobbySvc, wsOK: wsOK}
}

// Health reports 503 only when the database is down; a missing chain or websocket
// layer degrades the status.
func (h *AdminHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		dbOK := h.store.Ping(ctx) == nil
		chainOK := h.chain.Ping(ctx) == nil
		wsOK := h.wsOK()

		status, code := "ok", http.StatusOK
		if !dbOK || !chainOK || !wsOK {
			status = "degraded"
		}
		if !dbOK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"db_ok":     dbOK,
			"chain_ok":  chainOK,
			"ws_ok":     wsOK,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (h *AdminHandlers) CreateLobby() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stake any    `json:"stake"`
			Seats int    `json:"seats"`
			Class string `json:"class"`
		}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON object")
			return
		}
		resp, err := h.lobbySvc.Create(r.Context(), applobby.CreateRequest{Stake: body.Stake, Seats: body.Seats, Class: body.Class, CreatedBy: "admin"})
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (h *AdminHandlers) Finalize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.Finalize(r.Context(), chi.URLParam(r, "lobby_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *AdminHandlers) NextRound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.NextRound(r.Context(), chi.URLParam(r, "lobby_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (h *AdminHandlers) Audit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := ParsePagination(r)
		resp, err := h.lobbySvc.Audit(r.Context(), r.URL.Query().Get("action"), limit, offset)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return err
	}
	if len(bytes.TrimSpace(buf.Bytes())) == 0 {
		return nil
	}
	return json.Unmarshal(buf.Bytes(), v)
}
