package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/examwatch/app/dedup"
	"github.com/lysyi3m/examwatch/app/report"
	"github.com/lysyi3m/examwatch/app/tasks"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func NewHandler(scheduler SchedulerInterface, records RecordReader, sites SiteReader, reports ReportReader, generator GeneratorInterface, version string) *Handler {
	return &Handler{
		scheduler: scheduler,
		records:   records,
		sites:     sites,
		reports:   reports,
		generator: generator,
		version:   version,
	}
}

// GetFeed serves the stored records of a site as RSS.
func (h *Handler) GetFeed(c *gin.Context) {
	id := c.Param("id")
	siteConfig, ok := h.scheduler.Settings().Site(id)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	records, err := h.records.ListBySite(c.Request.Context(), id, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_records", "site", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	rss, err := h.generator.Run(siteConfig, records)
	if err != nil {
		slog.Error("RSS generation error", "site", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(records)))
	c.Header("X-Feed-Name", id)

	c.String(http.StatusOK, rss)
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp":          time.Now().In(time.Local).Format(time.RFC3339),
		"version":            h.version,
		"scheduler":          h.scheduler.State(),
		"fingerprints":       h.scheduler.IndexSize(),
		"configured_sites":   len(h.scheduler.Settings().Sites),
		"enabled_sites":      len(h.scheduler.Settings().Enabled()),
		"last_cycle_status":  nil,
		"last_cycle_started": nil,
	}

	if latest := h.scheduler.Latest(); latest != nil {
		health["last_cycle_status"] = latest.Status
		health["last_cycle_started"] = latest.StartedAt
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := h.records.Count(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	bySite, err := h.records.CountBySite(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_records_by_site", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	stats := map[string]interface{}{
		"records":         total,
		"records_by_site": bySite,
		"fingerprints":    h.scheduler.IndexSize(),
	}

	if h.reports != nil {
		if cycles, err := h.reports.Count(ctx); err == nil {
			stats["cycles"] = cycles
		}
	}

	if latest := h.scheduler.Latest(); latest != nil {
		stats["last_cycle"] = map[string]interface{}{
			"id":       latest.ID,
			"status":   latest.Status,
			"totals":   latest.Totals(),
			"duration": latest.Duration().String(),
		}
	}

	c.JSON(http.StatusOK, stats)
}

// GetReports lists recent cycles, newest first. The audit trail is used
// when available so reports survive restarts.
func (h *Handler) GetReports(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	var cycles []*report.Cycle
	if h.reports != nil {
		var err error
		cycles, err = h.reports.Recent(c.Request.Context(), limit)
		if err != nil {
			slog.Error("Database error", "operation", "recent_reports", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
	} else {
		cycles = h.scheduler.History()
		if len(cycles) > limit {
			cycles = cycles[:limit]
		}
	}

	if cycles == nil {
		cycles = []*report.Cycle{}
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"reports": cycles,
		"total":   len(cycles),
	})
}

func (h *Handler) GetLatestReport(c *gin.Context) {
	latest := h.scheduler.Latest()
	if latest == nil && h.reports != nil {
		recent, err := h.reports.Recent(c.Request.Context(), 1)
		if err != nil {
			slog.Error("Database error", "operation", "latest_report", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		if len(recent) > 0 {
			latest = recent[0]
		}
	}

	if latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No crawl cycle has run yet"})
		return
	}

	c.JSON(http.StatusOK, latest)
}

func (h *Handler) APIListSites(c *gin.Context) {
	sites, err := h.sites.List(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_sites", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	counts, err := h.records.CountBySite(c.Request.Context())
	if err != nil {
		slog.Warn("Failed to count records by site", "error", err)
	}

	list := make([]map[string]interface{}, 0, len(sites))
	for _, s := range sites {
		info := map[string]interface{}{
			"site_id":         s.ID,
			"name":            s.Name,
			"entry_url":       s.EntryURL,
			"crawler_variant": s.Variant,
			"enabled":         s.Enabled,
			"last_status":     s.LastStatus,
			"last_crawled_at": s.LastCrawledAt,
			"last_success_at": s.LastSuccessAt,
			"record_count":    counts[s.ID],
		}
		if s.LastError != "" {
			info["last_error"] = s.LastError
		}
		if cfg, ok := h.scheduler.Settings().Site(s.ID); ok {
			info["rate_limit"] = cfg.RateLimit().String()
			info["timeout"] = cfg.Timeout().String()
		}
		list = append(list, info)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"sites": list,
		"total": len(list),
	})
}

func (h *Handler) APIListSiteRecords(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.scheduler.Settings().Site(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	records, err := h.records.ListBySite(c.Request.Context(), id, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_records", "site", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"site_id": id,
		"records": records,
		"total":   len(records),
	})
}

func (h *Handler) APITriggerCycle(c *gin.Context) {
	if h.scheduler.State() == tasks.StateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is stopped"})
		return
	}

	if !h.scheduler.Trigger() {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "A crawl cycle is already pending",
		})
		return
	}

	slog.Info("Manual crawl cycle requested", "client", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Crawl cycle scheduled",
		"state":   h.scheduler.State(),
	})
}

func (h *Handler) APICrawlSite(c *gin.Context) {
	id := c.Param("id")

	slog.Info("Manual site crawl requested", "site", id, "client", c.ClientIP())
	cycle, err := h.scheduler.CrawlSite(c.Request.Context(), id)
	switch {
	case errors.Is(err, tasks.ErrUnknownSite):
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return
	case errors.Is(err, tasks.ErrSiteBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "Site crawl already running"})
		return
	case errors.Is(err, tasks.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is stopped"})
		return
	case errors.Is(err, dedup.ErrInvariantViolation):
		slog.Error("Fingerprint index mismatch during manual crawl, scheduler stopping", "site", id, "error", err)
	case err != nil:
		slog.Error("Manual site crawl failed", "site", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cycle)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(limit, maxListLimit), true
}
