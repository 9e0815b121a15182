package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/cbodonnell/tally/pkg/log"
	"github.com/gorilla/mux"
)

// SnapshotReader exposes the canonical entities of a domain.
type SnapshotReader interface {
	Snapshot(domain string) (any, bool)
}

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			log.Error("failed to encode health: %v", err)
		}
	}
}

func HandleSnapshot(reader SnapshotReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := mux.Vars(r)["domain"]
		entities, ok := reader.Snapshot(domain)
		if !ok {
			http.Error(w, "Unknown domain", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(entities); err != nil {
			log.Error("failed to encode %s snapshot: %v", domain, err)
			http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
			return
		}
	}
}
