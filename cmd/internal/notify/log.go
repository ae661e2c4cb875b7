package notify

import (
	"context"
	"log/slog"
)

// LogGateway only logs the request. It is the dev default when no gateway is configured.
type LogGateway struct {
	log *slog.Logger
}

func NewLogGateway(log *slog.Logger) *LogGateway {
	if log == nil {
		log = slog.Default()
	}
	return &LogGateway{log: log}
}

func (g *LogGateway) Trigger(_ context.Context, req Request) (Response, error) {
	g.log.Info("notify.log.trigger", "uid", req.UID, "lat", req.Lat, "lng", req.Lng, "timestamp", req.Timestamp)
	return Response{Success: true, Message: "logged", Sent: 0}, nil
}
