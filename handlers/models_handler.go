package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/rainymodel/config"
	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/utils"
)

// ModelObject is one entry of GET /v1/models
type ModelObject struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	Created     int64         `json:"created"`
	OwnedBy     string        `json:"owned_by"`
	Description string        `json:"description,omitempty"`
	Deployments int           `json:"deployments"`
	Tiers       []models.Tier `json:"tiers,omitempty"`
}

// ModelList is the OpenAI list envelope
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ModelsHandler lists the served aliases
type ModelsHandler struct {
	catalog CatalogSource
	logger  *zap.Logger
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(catalog CatalogSource, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{catalog: catalog, logger: logger}
}

// HandleListModels handles GET /v1/models
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list", Data: []ModelObject{}}

	cat := h.catalog.Catalog()
	if cat == nil {
		h.logger.Warn("model list requested before catalog load")
		_ = utils.WriteJSON(w, http.StatusOK, list)
		return
	}

	created := cat.LoadedAt().Unix()
	for _, info := range cat.Aliases() {
		list.Data = append(list.Data, ModelObject{
			ID:          info.Alias,
			Object:      "model",
			Created:     created,
			OwnedBy:     config.ServiceName,
			Description: info.Description,
			Deployments: info.Deployments,
			Tiers:       info.Tiers,
		})
	}

	if err := utils.WriteJSON(w, http.StatusOK, list); err != nil {
		h.logger.Error("failed to write model list", zap.Error(err))
	}
}
