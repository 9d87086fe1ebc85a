package api

import "net/http"

func (a *API) seedEntity(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req EntityRequest
	if err := readJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r, key, ActionEntity); err != nil {
		a.writeError(w, r, err)
		return
	}

	e, err := a.eng.SeedEntity(r.Context(), key, req.Status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewEntity(e))
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	e, err := a.eng.GetEntity(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewEntity(e))
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r, key, ActionEntity); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.eng.DeleteEntity(r.Context(), key); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
