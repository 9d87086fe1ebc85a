package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// keyParam reads the entity key from the route.
func keyParam(r *http.Request, typeParam, idParam string) (entity.Key, error) {
	return entity.NewKey(chi.URLParam(r, typeParam), chi.URLParam(r, idParam))
}

func (a *API) authorize(r *http.Request, key entity.Key, action Action) error {
	c, _ := escrow.CallerFrom(r.Context())
	return a.auth.Authorize(r.Context(), c, key, action)
}

func (a *API) requestTransition(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req TransitionRequest
	if err := readJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r, key, ActionTransition); err != nil {
		a.writeError(w, r, err)
		return
	}

	rec, err := a.eng.RequestTransition(r.Context(), engine.Transition{
		Key:       key,
		NewStatus: req.NewStatus,
		ChangedBy: req.ChangedBy,
		Reason:    req.Reason,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewRecord(rec))
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.eng.GetRecord(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewRecord(rec))
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	history, err := a.eng.GetHistory(r.Context(), key)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) addDependency(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req DependencyRequest
	if err := readJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	target, err := entity.NewKey(req.EntityType, req.EntityID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r, key, ActionDependency); err != nil {
		a.writeError(w, r, err)
		return
	}

	rec, err := a.eng.AddDependency(r.Context(), key, status.Dependency{
		EntityType:     target.Kind,
		EntityID:       target.ID,
		RequiredStatus: req.RequiredStatus,
		IsSatisfied:    req.IsSatisfied,
		SatisfiedAt:    req.SatisfiedAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DependencyAck{OK: true, Record: NewRecord(rec)})
}

func (a *API) removeDependency(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "entity_type", "entity_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	target, err := keyParam(r, "dep_type", "dep_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r, key, ActionDependency); err != nil {
		a.writeError(w, r, err)
		return
	}

	rec, err := a.eng.RemoveDependency(r.Context(), key, target)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ack := DependencyAck{OK: true}
	if rec != nil {
		ack.Record = NewRecord(rec)
	}
	writeJSON(w, http.StatusOK, ack)
}
