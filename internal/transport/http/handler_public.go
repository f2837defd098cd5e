package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	applobby "tonrody/internal/app/lobby"
)

type LobbyHandlers struct {
	lobbySvc *applobby.Service
}

func NewLobbyHandlers(lobbySvc *applobby.Service) *LobbyHandlers {
	return &LobbyHandlers{lobbySvc: lobbySvc}
}

func (h *LobbyHandlers) Lobbies() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := ParsePagination(r)
		resp, err := h.lobbySvc.Lobbies(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Lobby() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.Lobby(r.Context(), chi.URLParam(r, "lobby_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Ledger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := ParsePagination(r)
		resp, err := h.lobbySvc.Ledger(r.Context(), chi.URLParam(r, "lobby_id"), limit, offset)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Round() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.Round(r.Context(), chi.URLParam(r, "round_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Proof() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.Proof(r.Context(), chi.URLParam(r, "round_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RoundState always answers 200; chain failures are reported in the fallback body.
func (h *LobbyHandlers) RoundState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.lobbySvc.RoundState(r.Context(), chi.URLParam(r, "lobby_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Join() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		var body struct {
			Wallet string `json:"wallet"`
		}
		if err := decodeOptional(r, &body); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON object")
			return
		}
		resp, err := h.lobbySvc.Join(r.Context(), chi.URLParam(r, "lobby_id"), userID, body.Wallet)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Pay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		var body struct {
			SeatID string `json:"seatId"`
			TxHash string `json:"txHash"`
		}
		if err := decodeOptional(r, &body); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON object")
			return
		}
		resp, err := h.lobbySvc.Pay(r.Context(), chi.URLParam(r, "lobby_id"), userID, body.SeatID, body.TxHash)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *LobbyHandlers) Leave() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		resp, err := h.lobbySvc.Leave(r.Context(), chi.URLParam(r, "lobby_id"), userID)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
