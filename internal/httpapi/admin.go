// Package httpapi exposes the guarded HTTP surface: the health and metrics
// endpoints, the administrative API for rules, overrides, and bans, and the
// aggregated statistics read from the ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/auth"
	"github.com/auth-platform/traffic-guard/internal/blacklist"
	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/ledger"
	"github.com/auth-platform/traffic-guard/internal/rulestore"
)

// AdminHandler serves the administrative API.
type AdminHandler struct {
	store     *rulestore.Store
	cache     *rulestore.Cached
	bans      *blacklist.Guard
	analytics *ledger.Analytics // nil when the ledger is disabled
	logger    *zap.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(store *rulestore.Store, cache *rulestore.Cached, bans *blacklist.Guard, analytics *ledger.Analytics, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{store: store, cache: cache, bans: bans, analytics: analytics, logger: logger}
}

// RuleRequest is the wire form of a rule, durations in seconds.
type RuleRequest struct {
	ID                 string `json:"id,omitempty"`
	Scope              string `json:"scope"`
	MaxRequests        int64  `json:"max_requests"`
	WindowSeconds      int64  `json:"window_seconds"`
	BurstMax           int64  `json:"burst_max,omitempty"`
	BurstWindowSeconds int64  `json:"burst_window_seconds,omitempty"`
	Action             string `json:"action"`
	Active             *bool  `json:"active,omitempty"`
	Description        string `json:"description,omitempty"`
	Endpoint           string `json:"endpoint,omitempty"`
}

func (r RuleRequest) toDomain() guard.Rule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return guard.Rule{
		ID:            r.ID,
		Scope:         guard.ScopeType(r.Scope),
		MaxRequests:   r.MaxRequests,
		Window:        time.Duration(r.WindowSeconds) * time.Second,
		BurstMax:      r.BurstMax,
		BurstWindow:   time.Duration(r.BurstWindowSeconds) * time.Second,
		Action:        guard.RuleAction(r.Action),
		Active:        active,
		Description:   r.Description,
		EndpointMatch: r.Endpoint,
	}
}

// ListRules handles GET /admin/v1/rules.
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.AllRules(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// UpsertRule handles PUT /admin/v1/rules.
func (h *AdminHandler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return
	}

	rule := req.toDomain()
	if err := rule.Validate(); err != nil {
		WriteError(w, r, guard.WrapError(guard.ErrInvalidRule, err.Error(), err))
		return
	}

	stored, err := h.store.UpsertRule(r.Context(), rule)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.cache.InvalidateRules()

	h.logger.Info("rule upserted",
		zap.String("rule_id", stored.ID),
		zap.String("scope", string(stored.Scope)),
		zap.Int64("max_requests", stored.MaxRequests))
	writeJSON(w, http.StatusOK, stored)
}

// DeleteRule handles DELETE /admin/v1/rules/{id}.
func (h *AdminHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteRule(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	h.cache.InvalidateRules()
	w.WriteHeader(http.StatusNoContent)
}

// OverrideRequest is the wire form of a per-user override.
type OverrideRequest struct {
	ID            string `json:"id,omitempty"`
	UserID        string `json:"user_id"`
	Path          string `json:"path,omitempty"`
	MaxRequests   int64  `json:"max_requests"`
	WindowSeconds int64  `json:"window_seconds"`
	Reason        string `json:"reason,omitempty"`
	ExpiresInSecs int64  `json:"expires_in_seconds,omitempty"`
}

// ListOverrides handles GET /admin/v1/overrides.
func (h *AdminHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.store.Overrides(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

// UpsertOverride handles PUT /admin/v1/overrides.
func (h *AdminHandler) UpsertOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return
	}
	if req.UserID == "" || req.MaxRequests <= 0 || req.WindowSeconds <= 0 {
		WriteBadRequest(w, r, "user_id, max_requests, and window_seconds are required")
		return
	}

	o := guard.Override{
		ID:          req.ID,
		UserID:      req.UserID,
		Path:        req.Path,
		MaxRequests: req.MaxRequests,
		Window:      time.Duration(req.WindowSeconds) * time.Second,
		Reason:      req.Reason,
		CreatedBy:   adminIdentity(r.Context()),
	}
	if o.Path == "" {
		o.Path = "*"
	}
	if req.ExpiresInSecs > 0 {
		expires := time.Now().Add(time.Duration(req.ExpiresInSecs) * time.Second)
		o.ExpiresAt = &expires
	}

	stored, err := h.store.UpsertOverride(r.Context(), o)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.cache.InvalidateOverride(stored.UserID, stored.Path)
	writeJSON(w, http.StatusOK, stored)
}

// DeleteOverride handles DELETE /admin/v1/overrides/{id}.
func (h *AdminHandler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteOverride(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BanRequest is the wire form of an administrative ban.
type BanRequest struct {
	IdentityKey  string `json:"identity_key"`
	Reason       string `json:"reason"`
	DurationSecs int64  `json:"duration_seconds,omitempty"` // zero means permanent
}

// ListBans handles GET /admin/v1/bans.
func (h *AdminHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	entries, err := h.store.BanEntries(r.Context(), includeExpired)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": entries})
}

// CreateBan handles POST /admin/v1/bans.
func (h *AdminHandler) CreateBan(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return
	}
	if req.IdentityKey == "" {
		WriteBadRequest(w, r, "identity_key is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "administrative ban"
	}

	entry, err := h.bans.Ban(r.Context(), req.IdentityKey, req.Reason,
		adminIdentity(r.Context()), time.Duration(req.DurationSecs)*time.Second)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.logger.Info("administrative ban created",
		zap.String("identity_key", entry.IdentityKey),
		zap.String("created_by", entry.CreatedBy))
	writeJSON(w, http.StatusCreated, entry)
}

// DeleteBan handles DELETE /admin/v1/bans/{identity}.
func (h *AdminHandler) DeleteBan(w http.ResponseWriter, r *http.Request) {
	identity, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil || identity == "" {
		WriteBadRequest(w, r, "invalid identity key")
		return
	}
	if err := h.bans.Unban(r.Context(), identity); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PathStats handles GET /admin/v1/stats/paths.
func (h *AdminHandler) PathStats(w http.ResponseWriter, r *http.Request) {
	h.stats(w, r, func(ctx context.Context, since time.Duration) ([]guard.AggregatedStat, error) {
		return h.analytics.PathStats(ctx, since)
	})
}

// TopOffenders handles GET /admin/v1/stats/offenders.
func (h *AdminHandler) TopOffenders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	h.stats(w, r, func(ctx context.Context, since time.Duration) ([]guard.AggregatedStat, error) {
		return h.analytics.TopOffenders(ctx, since, limit)
	})
}

// ErrorStats handles GET /admin/v1/stats/errors.
func (h *AdminHandler) ErrorStats(w http.ResponseWriter, r *http.Request) {
	h.stats(w, r, func(ctx context.Context, since time.Duration) ([]guard.AggregatedStat, error) {
		return h.analytics.ErrorStats(ctx, since)
	})
}

// adminIdentity names the operator behind an administrative change.
func adminIdentity(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "admin"
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request, query func(context.Context, time.Duration) ([]guard.AggregatedStat, error)) {
	if h.analytics == nil {
		WriteErrorWithStatus(w, r, http.StatusServiceUnavailable, "analytics store is not configured")
		return
	}

	since := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteBadRequest(w, r, "since must be a positive duration")
			return
		}
		since = d
	}

	stats, err := query(r.Context(), since)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}
