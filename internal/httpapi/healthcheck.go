package httpapi

import (
	"database/sql"
	"net/http"
)

func registerHealthcheck(mux *http.ServeMux, db *sql.DB) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
