package handler

import (
	"encoding/json"
	"net/http"

	"github.com/2beens/homeworkout/internal/telemetry/metrics"
	"github.com/2beens/homeworkout/internal/telemetry/tracing"
	"github.com/2beens/homeworkout/internal/workout"
	"github.com/2beens/homeworkout/internal/workout/stats"
	"github.com/2beens/homeworkout/internal/workout/store"
	"github.com/2beens/homeworkout/pkg"

	"github.com/coocood/freecache"
	log "github.com/sirupsen/logrus"
)

const (
	statsCacheTTLSeconds = 10 * 60
)

var statsCacheKey = []byte("workout-stats")

type WeekResponse struct {
	WeekID   string            `json:"weekId"`
	Offset   int               `json:"offset"`
	Config   workout.Config    `json:"config"`
	Snapshot *workout.Snapshot `json:"snapshot"`
}

type SetRepsRequest struct {
	Key  string       `json:"key"`
	Reps workout.Reps `json:"reps"`
}

type ToggleRequest struct {
	Key string `json:"key"`
}

type CellResponse struct {
	Key  string       `json:"key"`
	Cell workout.Cell `json:"cell"`
}

type ChangeWeekRequest struct {
	Delta int `json:"delta"`
}

type FinishSetResponse struct {
	NextColumn string `json:"nextColumn,omitempty"`
	Finished   bool   `json:"finished"`
}

type Handler struct {
	store      *store.Store
	analyzer   *stats.Analyzer
	statsCache *freecache.Cache
	metrics    *metrics.Manager
}

func NewHandler(
	s *store.Store,
	analyzer *stats.Analyzer,
	statsCache *freecache.Cache,
	metricsManager *metrics.Manager,
) *Handler {
	handler := &Handler{
		store:      s,
		analyzer:   analyzer,
		statsCache: statsCache,
		metrics:    metricsManager,
	}
	// any change, local or remote, invalidates cached analytics
	s.Subscribe(func(_ store.Origin) {
		handler.statsCache.Del(statsCacheKey)
	})
	return handler
}

func (handler *Handler) HandleGetWeek(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.getWeek")
	defer span.End()

	resp := WeekResponse{
		WeekID:   handler.store.WeekID(),
		Offset:   handler.store.WeekOffset(),
		Config:   handler.store.Config(),
		Snapshot: handler.store.State(),
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("get week, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleSetReps(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.setReps")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req SetRepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Errorf("set reps, unmarshal json params: %s", err)
		http.Error(w, "set reps failed", http.StatusBadRequest)
		return
	}

	cell, err := handler.store.SetReps(ctx, req.Key, req.Reps)
	if err != nil {
		log.Errorf("set reps [%s]: %s", req.Key, err)
		http.Error(w, "set reps failed", http.StatusBadRequest)
		return
	}
	handler.metrics.CounterCellUpdates.Inc()

	respBytes, err := json.Marshal(CellResponse{Key: req.Key, Cell: cell})
	if err != nil {
		log.Errorf("set reps, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.toggle")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Errorf("toggle cell, unmarshal json params: %s", err)
		http.Error(w, "toggle failed", http.StatusBadRequest)
		return
	}

	cell, err := handler.store.ToggleDone(ctx, req.Key)
	if err != nil {
		log.Tracef("toggle cell [%s]: %s", req.Key, err)
		http.Error(w, "toggle failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	handler.metrics.CounterCellUpdates.Inc()

	respBytes, err := json.Marshal(CellResponse{Key: req.Key, Cell: cell})
	if err != nil {
		log.Errorf("toggle cell, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleFinishSet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.finishSet")
	defer span.End()

	next, finished, err := handler.store.FinishSet(ctx)
	if err != nil {
		log.Errorf("finish set: %s", err)
		http.Error(w, "finish set failed", http.StatusInternalServerError)
		return
	}

	resp := FinishSetResponse{Finished: finished}
	if !finished {
		resp.NextColumn = next.String()
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("finish set, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleChangeWeek(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.changeWeek")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var req ChangeWeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Errorf("change week, unmarshal json params: %s", err)
		http.Error(w, "change week failed", http.StatusBadRequest)
		return
	}

	snapshot, err := handler.store.ChangeWeek(ctx, req.Delta)
	if err != nil {
		log.Errorf("change week by %d: %s", req.Delta, err)
		http.Error(w, "change week failed", http.StatusInternalServerError)
		return
	}
	if _, err := handler.store.EnsureActiveColumn(ctx); err != nil {
		log.Errorf("change week, ensure active column: %s", err)
	}

	resp := WeekResponse{
		WeekID:   handler.store.WeekID(),
		Offset:   handler.store.WeekOffset(),
		Config:   handler.store.Config(),
		Snapshot: snapshot,
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("change week, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.getConfig")
	defer span.End()

	respBytes, err := json.Marshal(handler.store.Config())
	if err != nil {
		log.Errorf("get config, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleSaveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.saveConfig")
	defer span.End()

	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusBadRequest)
		return
	}

	var cfg workout.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		log.Errorf("save config, unmarshal json params: %s", err)
		http.Error(w, "save config failed", http.StatusBadRequest)
		return
	}

	saved, err := handler.store.SaveConfig(ctx, cfg)
	if err != nil {
		log.Errorf("save config: %s", err)
		http.Error(w, "save config failed", http.StatusInternalServerError)
		return
	}

	respBytes, err := json.Marshal(saved)
	if err != nil {
		log.Errorf("save config, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.getStats")
	defer span.End()

	if cached, err := handler.statsCache.Get(statsCacheKey); err == nil {
		pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, cached)
		return
	}

	respBytes, err := json.Marshal(handler.analyzer.Recalculate(ctx))
	if err != nil {
		log.Errorf("get stats, marshal response: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := handler.statsCache.Set(statsCacheKey, respBytes, statsCacheTTLSeconds); err != nil {
		log.Tracef("get stats, cache set: %s", err)
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}
