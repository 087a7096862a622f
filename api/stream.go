package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	eventOrderChanged = "order-changed"
	heartbeatInterval = 25 * time.Second
)

// Streams hands out per-owner channels of encoded order changes.
type Streams interface {
	Add(ownerID string) chan []byte
	Remove(ownerID string, ch chan []byte)
}

// RegisterStream serves order changes of the caller as server-sent events on
// /api/stream. Browsers cannot set headers on an EventSource, so the token
// may also be passed as ?token=.
func RegisterStream(e *echo.Echo, streams Streams, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/api/stream", streamOrderChanges(streams, auth, logger, heartbeatInterval))
}

func streamOrderChanges(streams Streams, auth Authenticator, logger *log.Logger, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		ownerID, err := auth.OwnerIDFromAuthHeader(authHeader)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "unauthorized"})
		}

		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported", Code: "internal"})
		}
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)

		ch := streams.Add(ownerID)
		defer streams.Remove(ownerID, ch)
		entry := logger.WithField("owner", ownerID)
		entry.Debug("stream opened")

		if _, err := res.Write([]byte("retry: 3000\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			var frame []byte
			select {
			case <-ctx.Done():
				entry.Debug("stream closed")
				return nil
			case <-ticker.C:
				frame = []byte(": ping\n\n")
			case payload := <-ch:
				frame = make([]byte, 0, len(payload)+32)
				frame = append(frame, "event: "+eventOrderChanged+"\ndata: "...)
				frame = append(frame, payload...)
				frame = append(frame, "\n\n"...)
			}
			if _, err := res.Write(frame); err != nil {
				entry.WithError(err).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
		}
	}
}
