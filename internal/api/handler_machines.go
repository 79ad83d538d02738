package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetMachines handles GET /api/machines. It returns the registry as a
// machine → volume object.
func (h *Handler) GetMachines(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Machines())
}

// MachineSummaryResponse is one row of the dashboard summary.
type MachineSummaryResponse struct {
	Machine    string     `json:"machine"`
	Volume     float64    `json:"volume"`
	Total      int64      `json:"total"`
	Passed     int64      `json:"passed"`
	Failed     int64      `json:"failed"`
	LastDate   *time.Time `json:"lastDate"`
	LastStatus *string    `json:"lastStatus"`
}

// GetSummary handles GET /api/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	rows, err := h.svc.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	volumes := h.svc.Machines()
	out := make([]MachineSummaryResponse, len(rows))
	for i, r := range rows {
		out[i] = MachineSummaryResponse{
			Machine:  r.Machine,
			Volume:   volumes[r.Machine],
			Total:    r.Total,
			Passed:   r.Passed,
			Failed:   r.Failed,
			LastDate: r.LastDate,
		}
		if r.LastStatus != "" {
			s := string(r.LastStatus)
			out[i].LastStatus = &s
		}
	}
	c.JSON(http.StatusOK, out)
}
