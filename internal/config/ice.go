package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CHILLCALL_ICE_SERVERS_JSON"

	envStunURLs       = "CHILLCALL_STUN_URLS"
	envTurnURLs       = "CHILLCALL_TURN_URLS"
	envTurnUsername   = "CHILLCALL_TURN_USERNAME"
	envTurnCredential = "CHILLCALL_TURN_CREDENTIAL"
)

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates CHILLCALL_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			if err := validateICEURL(url); err != nil {
				return nil, fmt.Errorf("server %d: %w", i, err)
			}
			urls = append(urls, url)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("server %d has no urls", i)
		}

		out = append(out, webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		})
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			out[len(out)-1].Credential = cred
		}
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds the ICE server list from the
// simpler STUN/TURN env vars. A static TURN credential pair applies to
// every TURN URL; per-request ephemeral credentials (TURN REST) override
// it at serve time.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer

	if urls := splitURLList(stunURLs); len(urls) > 0 {
		for _, url := range urls {
			if err := validateICEURL(url); err != nil {
				return nil, fmt.Errorf("%s: %w", envStunURLs, err)
			}
		}
		out = append(out, webrtc.ICEServer{URLs: urls})
	}

	if urls := splitURLList(turnURLs); len(urls) > 0 {
		for _, url := range urls {
			if err := validateICEURL(url); err != nil {
				return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
			}
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(turnUsername),
		}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		out = append(out, server)
	}

	return out, nil
}

func splitURLList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEURL(url string) error {
	lower := strings.ToLower(url)
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(lower, prefix) {
			return nil
		}
	}
	return fmt.Errorf("unsupported ICE url %q (want stun:, stuns:, turn: or turns:)", url)
}
