package config

import "time"

// defaults returns every value the system can run with out of the box as
// a flat map keyed by koanf path; Load merges the YAML file, environment,
// and flag layers on top of this.
func defaults() map[string]any {
	return map[string]any{
		"log_level":    "info",
		"log_format":   "text",
		"metrics_addr": ":9090",

		"gateway.listen_addr":          ":8787",
		"gateway.max_conns_per_ip":     10,
		"gateway.auth_timeout":         "30s",
		"gateway.heartbeat_interval":   "30s",
		"gateway.heartbeat_timeout":    "10s",
		"gateway.pairing_token_ttl":    "5m",
		"gateway.local_loopback_auto":  true,
		"gateway.broadcast_queue_size": 256,

		"scheduler.tick_interval":                "1s",
		"scheduler.max_concurrent_goals":           5,
		"scheduler.auto_start":                     false,
		"scheduler.stuck_sweep_every_n_ticks":      10,
		"scheduler.max_run_duration":               "1h",
		"scheduler.max_same_error_retries":        2,
		"scheduler.max_in_progress_duration":       "30m",
		"scheduler.max_ready_duration":             "15m",
		"scheduler.retry_base_delay":               "2s",
		"scheduler.retry_max_delay":                "2m",
		"scheduler.quality_gate_command_timeout":   "60s",
		"scheduler.quality_gate_llm_timeout":       "120s",
		"scheduler.shutdown_drain_timeout":         "30s",
		"scheduler.lanes.main.max_concurrency":     1,
		"scheduler.lanes.subagent.max_concurrency": 3,
		"scheduler.lanes.cron.max_concurrency":     1,
		"scheduler.lanes.session.max_concurrency":  1,

		"llm.defaults.timeout":     "120s",
		"llm.defaults.max_tokens":  4096,
		"llm.defaults.max_retries": 2,
		"llm.defaults.retry_delay": "2s",
		"llm.defaults.temperature": 0.0,
		"llm.endpoint_cool_off":    "60s",

		"postgres.max_conns":       10,
		"postgres.min_conns":       1,
		"postgres.skip_migrations": false,
	}
}

// defaultTickIntervalFloor is the minimum sane SchedulerConfig.TickInterval;
// anything shorter risks the tick loop never draining its own backlog.
const defaultTickIntervalFloor = 100 * time.Millisecond
