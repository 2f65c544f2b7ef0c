package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/prestige-merchandise/storefront/api/middleware"
	"github.com/prestige-merchandise/storefront/api/responses"
	"github.com/prestige-merchandise/storefront/api/validators"
	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/identity"
	"github.com/prestige-merchandise/storefront/internal/notify"
	"github.com/prestige-merchandise/storefront/internal/sessions"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

const maxSubjectIDLen = 128

// SessionHub hands out reconciler leases for a browser session.
type SessionHub interface {
	Acquire(ctx context.Context, sessionID string, kind collection.Kind, id identity.Identity) (*sessions.Lease, error)
}

type addItemRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
}

type collectionView struct {
	Kind     string            `json:"kind"`
	Identity string            `json:"identity"`
	Items    []collection.Item `json:"items"`
	Notices  []notify.Notice   `json:"notices"`
}

type addItemView struct {
	collectionView
	Outcome collection.Outcome `json:"outcome"`
}

type containsView struct {
	SubjectID string `json:"subject_id"`
	Contains  bool   `json:"contains"`
}

func newCollectionView(lease *sessions.Lease) collectionView {
	items := lease.Items()
	if items == nil {
		items = []collection.Item{}
	}
	return collectionView{
		Kind:     lease.Kind().Name,
		Identity: lease.Identity().String(),
		Items:    items,
		Notices:  lease.Notices(),
	}
}

// acquire resolves the kind path parameter and leases the caller's session,
// switching it to the request identity first.
func acquire(w http.ResponseWriter, r *http.Request, hub SessionHub, logg *logger.Logger) (*sessions.Lease, bool) {
	name := chi.URLParam(r, "kind")
	kind, ok := collection.LookupKind(name)
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "unknown collection").
			WithDetails(map[string]any{"kind": name}))
		return nil, false
	}

	ctx := r.Context()
	lease, err := hub.Acquire(ctx, middleware.SessionIDFromContext(ctx), kind, middleware.IdentityFromContext(ctx))
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return nil, false
	}
	return lease, true
}

// checkSubjectID applies the same rule to body and path ids: trimmed, valid
// UTF-8 and at most maxSubjectIDLen bytes. Ids are never shortened.
func checkSubjectID(raw string) (string, error) {
	subjectID, ok := validators.NormalizeID(raw, maxSubjectIDLen)
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "invalid subject id").
			WithDetails(map[string]string{"subject_id": fmt.Sprintf("must be valid UTF-8 of at most %d bytes", maxSubjectIDLen)})
	}
	return subjectID, nil
}

func subjectParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "subjectId")
	// chi matches on RawPath when the request carried one, leaving the
	// parameter escaped.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subject id").
				WithDetails(map[string]string{"subject_id": "is not a valid path segment"})
		}
		raw = unescaped
	}
	return checkSubjectID(raw)
}

// CollectionList returns the caller's collection after reconciling identity.
func CollectionList(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()
		responses.WriteSuccess(w, newCollectionView(lease))
	}
}

func CollectionAdd(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addItemRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subjectID, err := checkSubjectID(req.SubjectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()

		outcome, err := lease.Add(r.Context(), subjectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if outcome == collection.OutcomeAdded {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, addItemView{collectionView: newCollectionView(lease), Outcome: outcome})
	}
}

func CollectionContains(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID, err := subjectParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()
		responses.WriteSuccess(w, containsView{SubjectID: subjectID, Contains: lease.Contains(subjectID)})
	}
}

func CollectionRemove(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID, err := subjectParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()

		if err := lease.Remove(r.Context(), subjectID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCollectionView(lease))
	}
}

func CollectionClear(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()

		if err := lease.Clear(r.Context()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCollectionView(lease))
	}
}

// CollectionKinds lists the collections a client may address.
func CollectionKinds() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type kindView struct {
			Name     string `json:"name"`
			Label    string `json:"label"`
			MaxItems int    `json:"max_items,omitempty"`
		}
		out := []kindView{}
		for _, k := range collection.Kinds() {
			out = append(out, kindView{Name: k.Name, Label: k.Label, MaxItems: k.MaxItems})
		}
		responses.WriteSuccess(w, out)
	}
}
