package main

import (
	"log/slog"
	"strings"

	"github.com/chillcall/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProduction && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no STUN/TURN servers configured (clients behind NATs may fail to connect to each other)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if hasTURN, hasCreds := turnConfig(cfg); hasTURN && !hasCreds && cfg.TURNRESTSharedSecret == "" {
		logger.Warn("startup warning: TURN servers configured without credentials and TURN REST is disabled (TURN allocation will fail)",
			"warning_code", "turn_without_credentials",
			"mode", cfg.Mode,
		)
	}

	// Warn if the inbound message cap is unusually large, since this weakens
	// the relay's oversized message DoS hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens oversized message DoS hardening)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

// turnConfig reports whether any configured ICE server carries a TURN URL,
// and whether static TURN credentials are present for one.
func turnConfig(cfg config.Config) (hasTURN, hasCreds bool) {
	for _, srv := range cfg.ICEServers {
		for _, u := range srv.URLs {
			scheme, _, found := strings.Cut(strings.TrimSpace(u), ":")
			if !found {
				continue
			}
			switch strings.ToLower(scheme) {
			case "turn", "turns":
				hasTURN = true
				if srv.Username != "" && srv.Credential != nil && srv.Credential != "" {
					hasCreds = true
				}
			}
		}
	}
	return hasTURN, hasCreds
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
