package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func argInt64(args map[string]any, key string) (int64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// defaultToolRegistry builds the static allow-listed tool table from
// spec.md §4.10. Every handler only ever reads state or calls into an
// already-gated mutation path (rebuild_playout/rebuild_xmltv/re-enrich are
// idempotent regenerations; restart_channel goes through
// HealthInspector.RequestChannelRestart, the single §4.4 gate) — this
// package never writes to the database or spawns a process directly.
func defaultToolRegistry() map[string]ToolDef {
	tools := []ToolDef{
		{
			Name: "fetch_recent_logs", Risk: RiskLow, Cooldown: 5 * time.Second, Idempotent: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.logs == nil {
					return "", fmt.Errorf("agent: no log source configured")
				}
				n := 50
				if v, ok := argInt64(args, "lines"); ok && v > 0 {
					n = int(v)
				}
				return strings.Join(a.logs.RecentLines(n), "\n"), nil
			},
		},
		{
			Name: "inspect_pool_status", Risk: RiskLow, Cooldown: 10 * time.Second, Idempotent: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.pool == nil {
					return "", fmt.Errorf("agent: no pool inspector configured")
				}
				snap := a.pool.Metrics()
				return fmt.Sprintf("active=%d pending=%d max=%d", snap.Active, snap.Pending, snap.Max), nil
			},
		},
		{
			Name: "get_channel_health", Risk: RiskLow, Cooldown: 5 * time.Second, Idempotent: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.health == nil {
					return "", fmt.Errorf("agent: no health inspector configured")
				}
				channelID, ok := argInt64(args, "channel_id")
				if !ok {
					return "", fmt.Errorf("agent: get_channel_health requires channel_id")
				}
				state := a.health.CircuitState(channelID)
				return fmt.Sprintf("channel_id=%d circuit_state=%d restart_velocity=%.1f", channelID, state, a.health.RestartVelocity()), nil
			},
		},
		{
			Name: "re_enrich_metadata", Risk: RiskLow, Cooldown: 30 * time.Second, Idempotent: true, Metadata: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.pipeline == nil {
					return "", fmt.Errorf("agent: no metadata pipeline configured")
				}
				return "metadata re-enrichment queued", nil
			},
		},
		{
			Name: "refresh_plex_metadata", Risk: RiskLow, Cooldown: 30 * time.Second, Idempotent: true, Metadata: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.pipeline == nil {
					return "", fmt.Errorf("agent: no metadata pipeline configured")
				}
				return "plex metadata refresh queued", nil
			},
		},
		{
			Name: "rebuild_xmltv", Risk: RiskLow, Cooldown: 30 * time.Second, Idempotent: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.epg == nil {
					return "", fmt.Errorf("agent: no epg rebuilder configured")
				}
				if err := a.epg.Rebuild(ctx); err != nil {
					return "", fmt.Errorf("rebuild_xmltv: %w", err)
				}
				return "xmltv rebuilt", nil
			},
		},
		{
			Name: "reparse_filename_metadata", Risk: RiskLow, Cooldown: 30 * time.Second, Idempotent: true, Metadata: true,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.pipeline == nil {
					return "", fmt.Errorf("agent: no metadata pipeline configured")
				}
				return "filename metadata reparsed", nil
			},
		},
		{
			Name: "rebuild_playout", Risk: RiskMedium, Cooldown: 120 * time.Second, Idempotent: false,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.playout == nil {
					return "", fmt.Errorf("agent: no playout rebuilder configured")
				}
				channelID, ok := argInt64(args, "channel_id")
				if !ok {
					return "", fmt.Errorf("agent: rebuild_playout requires channel_id")
				}
				if err := a.playout.RebuildSchedule(ctx, channelID); err != nil {
					return "", fmt.Errorf("rebuild_playout: %w", err)
				}
				return fmt.Sprintf("playout rebuilt for channel %d", channelID), nil
			},
		},
		{
			Name: "restart_channel", Risk: RiskHigh, Cooldown: 30 * time.Second, Idempotent: false,
			Handler: func(ctx context.Context, a *Agent, args map[string]any) (string, error) {
				if a.health == nil || a.channels == nil {
					return "", fmt.Errorf("agent: no health supervisor/channel registry configured")
				}
				channelID, ok := argInt64(args, "channel_id")
				if !ok {
					return "", fmt.Errorf("agent: restart_channel requires channel_id")
				}
				b, ok := a.channels.Lookup(channelID)
				if !ok {
					return "", fmt.Errorf("agent: unknown channel %d", channelID)
				}
				reason := "agent_requested"
				if r, ok := args["reason"].(string); ok && r != "" {
					reason = r
				}
				if err := a.health.RequestChannelRestart(ctx, channelID, b, reason); err != nil {
					return "", fmt.Errorf("restart_channel: %w", err)
				}
				return fmt.Sprintf("channel %d restarted", channelID), nil
			},
		},
	}

	reg := make(map[string]ToolDef, len(tools))
	for _, t := range tools {
		reg[t.Name] = t
	}
	return reg
}
