package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opensai/secop-search/internal/services"
	"github.com/opensai/secop-search/internal/socrata"
	"github.com/opensai/secop-search/pkg/utils"
)

const minTermLength = 3

type SearchHandler struct {
	searchService *services.SearchService
	defaultMode   socrata.Mode
	logger        *logrus.Logger
}

func NewSearchHandler(searchService *services.SearchService, defaultMode socrata.Mode, logger *logrus.Logger) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
		defaultMode:   defaultMode,
		logger:        logger,
	}
}

// HandleSearch validates the request and hands it to the orchestrator.
// Validation failures answer 400 before any budget or upstream work begins.
func (h *SearchHandler) HandleSearch(c *gin.Context) {
	currentYear := time.Now().Year()

	term := socrata.CleanTerm(c.Query("contratista"))
	if utf8.RuneCountInString(term) < minTermLength {
		utils.ErrorResponse(c, http.StatusBadRequest, "Ingrese al menos 3 caracteres válidos.", nil)
		return
	}

	year := currentYear
	if raw := c.Query("anio"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 2000 || parsed > currentYear+1 {
			utils.ErrorResponse(c, http.StatusBadRequest,
				fmt.Sprintf("El año debe estar entre 2000 y %d.", currentYear+1), nil)
			return
		}
		year = parsed
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			utils.ErrorResponse(c, http.StatusBadRequest, "La página debe ser un entero positivo.", nil)
			return
		}
		page = parsed
	}

	mode, err := socrata.ParseMode(c.Query("mode"), h.defaultMode)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Modo de búsqueda no válido.", err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"term":       term,
		"year":       year,
		"page":       page,
		"mode":       mode,
		"ip":         c.ClientIP(),
	}).Info("Processing search request")

	response := h.searchService.Search(c.Request.Context(), services.Query{
		Contractor: term,
		Year:       year,
		Page:       page,
		Mode:       mode,
	})

	h.logger.WithFields(logrus.Fields{
		"request_id":    c.GetString("request_id"),
		"status":        response.Status,
		"results_count": len(response.Rows),
		"total":         response.Total,
		"response_time": response.ResponseTime,
	}).Info("Search completed")

	utils.SuccessResponse(c, http.StatusOK, "Search completed", response)
}
