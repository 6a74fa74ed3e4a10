package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/chatcore/internal/middleware"
)

// UserHandler はアカウント削除ライフサイクルのHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// RequestDeletion はアカウント削除をリクエストする。
// DELETE /api/users/me
//
// 即座には削除せず、猶予期間の経過後にワーカーが削除する。
// 猶予期間内はRestoreで取り消せる。
func (h *UserHandler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.RequestDeletion(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "deletion_requested"})
}

// Restore は保留中のアカウント削除リクエストを取り消す。
// POST /api/users/me/restore
func (h *UserHandler) Restore(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.CancelDeletion(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "restored"})
}
