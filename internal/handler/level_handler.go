package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/taskagency/internal/level"
	"github.com/hitoshi/taskagency/internal/middleware"
	"github.com/hitoshi/taskagency/internal/model"
)

// LevelHandler はレベル表と日次収益計算のHTTPハンドラー。
type LevelHandler struct {
	source level.Source
}

// NewLevelHandler はLevelHandlerを生成する。
func NewLevelHandler(source level.Source) *LevelHandler {
	return &LevelHandler{source: source}
}

type levelRow struct {
	model.LevelConfig
	DailyEarnings float64 `json:"dailyEarnings"`
}

type levelsResponse struct {
	Levels   []levelRow `json:"levels"`
	Selected *levelRow  `json:"selected,omitempty"`
}

// List はレベル表を日次収益とともに返す。
// ?level=N を指定した場合はそのレベルの日次収益をselectedに含める。
// GET /api/levels
func (h *LevelHandler) List(w http.ResponseWriter, r *http.Request) {
	var selected int
	if q := r.URL.Query().Get("level"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			middleware.WriteFieldErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(),
				map[string]string{"level": "レベルは整数で指定してください。"})
			return
		}
		selected = n
	}

	table, err := h.source.Table(r.Context())
	if err != nil {
		slog.Warn("failed to load level table", slog.String("error", err.Error()))
		handleServiceError(w, r, err)
		return
	}

	resp := levelsResponse{Levels: make([]levelRow, 0, table.Len())}
	for _, lc := range table.Levels() {
		row := levelRow{LevelConfig: lc, DailyEarnings: level.DailyEarnings(lc)}
		resp.Levels = append(resp.Levels, row)
		if selected != 0 && lc.Level == selected {
			sel := row
			resp.Selected = &sel
		}
	}
	if selected != 0 && resp.Selected == nil {
		middleware.WriteFieldErrorResponse(w, http.StatusNotFound, model.NewInvalidRequestError(),
			map[string]string{"level": "指定されたレベルは存在しません。"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
