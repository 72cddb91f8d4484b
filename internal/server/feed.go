package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agentwatch-hq/agentwatch/internal/notify"
)

// FeedHandler serves the recent-decision feed and its SSE live stream.
type FeedHandler struct {
	Feed   *notify.Feed
	Logger *log.Logger
}

func (h *FeedHandler) Register(g *echo.Group) {
	g.GET("/feed", h.recent)
	g.GET("/feed/stream", h.stream)
}

func (h *FeedHandler) recent(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"decisions": h.Feed.Recent()})
}

// stream pushes every new decision to the client as a server-sent event until
// the client disconnects or the feed drops it as a slow subscriber.
func (h *FeedHandler) stream(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	sub, cancel := h.Feed.Subscribe()
	defer cancel()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, open := <-sub:
			if !open {
				// Dropped as a slow subscriber.
				return nil
			}
			data, err := json.Marshal(d)
			if err != nil {
				h.Logger.Printf("marshal feed decision: %v", err)
				continue
			}
			if _, err := resp.Write([]byte("event: decision\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
