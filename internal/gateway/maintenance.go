package gateway

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startMaintenance schedules the background jobs: backend health probes
// and periodic channel status logging
func (g *Gateway) startMaintenance(ctx context.Context) {
	g.cron = cron.New()

	if p, ok := g.brain.(pinger); ok {
		g.cron.AddFunc("@every 1m", func() { g.checkBackend(ctx, p) })
	}
	g.cron.AddFunc("@every 10m", g.logChannelStatus)

	g.cron.Start()
}

func (g *Gateway) checkBackend(ctx context.Context, p pinger) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.Ping(probeCtx); err != nil {
		log.Printf("[Gateway] Backend health check failed: %v", err)
	}
}

func (g *Gateway) logChannelStatus() {
	for channelType, status := range g.registry.Statuses() {
		if status.Connected {
			log.Printf("[Gateway] Channel %s up since %s", channelType, status.Since.Format(time.RFC3339))
		} else {
			log.Printf("[Gateway] Channel %s down (last error: %s)", channelType, status.LastError)
		}
	}
	if g.ws != nil {
		log.Printf("[Gateway] %d websocket clients connected", g.ws.ClientCount())
	}
}
