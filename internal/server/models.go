package server

import (
	"net/http"
	"sort"
	"time"
)

// handleListModels returns every client-routable model name: alias ids,
// their secondary names, and direct provider model slugs, in the
// OpenAI-compatible list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Config.Snapshot()

	seen := make(map[string]bool)
	for _, a := range snap.Aliases {
		seen[a.ID] = true
		for _, name := range a.Aliases {
			seen[name] = true
		}
	}
	for _, p := range snap.Providers {
		if !p.Enabled {
			continue
		}
		for slug := range p.Models {
			seen[slug] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now().Unix()
	data := make([]modelEntry, len(names))
	for i, name := range names {
		data[i] = modelEntry{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
