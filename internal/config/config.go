// Package config defines the core's tunable options as a flat struct
// tagged for jessevdk/go-flags, so an embedding daemon can parse them
// straight from its command line or config file.
package config

import (
	"github.com/echolock/core/internal/corerr"
)

// Config is the flat set of core options.
type Config struct {
	ThresholdN             int      `long:"threshold-n" default:"5" description:"total number of custodian shares"`
	ThresholdT             int      `long:"threshold-t" default:"3" description:"minimum shares required to reconstruct"`
	PBKDF2Iterations       uint32   `long:"pbkdf2-iterations" default:"600000" description:"PBKDF2-HMAC-SHA256 iteration count"`
	RelayURLs              []string `long:"relay-url" description:"relay websocket URL (repeatable, minimum 7)"`
	MinPublishAcks         int      `long:"min-publish-acks" default:"5" description:"minimum relay acks required per publish"`
	CheckInHours           float64  `long:"check-in-hours" default:"168" description:"hours between required owner heartbeats"`
	PollIntervalSeconds    int      `long:"poll-interval-seconds" default:"30" description:"transaction monitor polling interval"`
	MaxWaitSeconds         int      `long:"max-wait-seconds" default:"3600" description:"maximum time to wait for bitcoin confirmation"`
	MinConfirmations       uint32   `long:"min-confirmations" default:"1" description:"confirmations required before phase 2 publishing"`
	AllowPublishWithoutBTC bool     `long:"allow-publish-without-bitcoin" description:"allow phase 2 to proceed without a bitcoin commitment"`
	EsploraBaseURL         string   `long:"esplora-base-url" description:"base URL of the esplora-compatible HTTP API"`
	SocksProxy             string   `long:"socks-proxy" description:"optional SOCKS5 proxy address for relay egress (Tor)"`
	AllowMainnet           bool     `long:"allow-mainnet" description:"permit constructing mainnet bitcoin scripts"`
	AcknowledgeMainnetRisk bool     `long:"acknowledge-mainnet-risk" description:"required alongside allow-mainnet; no safety checks are mainnet-tuned"`
}

// Default returns a Config populated with the stock defaults.
func Default() *Config {
	return &Config{
		ThresholdN:          5,
		ThresholdT:          3,
		PBKDF2Iterations:    600_000,
		MinPublishAcks:      5,
		CheckInHours:        168,
		PollIntervalSeconds: 30,
		MaxWaitSeconds:      3600,
		MinConfirmations:    1,
	}
}

const minPBKDF2Iterations = 600_000
const minRelaySetSize = 7
const minThresholdN = 3
const maxThresholdN = 15

// Validate enforces the documented numeric ranges and the mainnet
// double-flag gate.
func (c *Config) Validate() error {
	if c.ThresholdN < minThresholdN || c.ThresholdN > maxThresholdN {
		return corerr.New(corerr.KindInvalidInput, "threshold-n must be between 3 and 15")
	}
	if c.ThresholdT < 2 || c.ThresholdT > c.ThresholdN {
		return corerr.New(corerr.KindInvalidInput, "threshold-t must be between 2 and threshold-n")
	}
	if c.PBKDF2Iterations < minPBKDF2Iterations {
		return corerr.New(corerr.KindInvalidInput, "pbkdf2-iterations must be at least 600000")
	}
	if len(c.RelayURLs) < minRelaySetSize {
		return corerr.New(corerr.KindInvalidInput, "at least 7 relay URLs are required")
	}
	if c.MinPublishAcks <= 0 || c.MinPublishAcks > len(c.RelayURLs) {
		return corerr.New(corerr.KindInvalidInput, "min-publish-acks must be positive and not exceed the relay count")
	}
	if c.CheckInHours <= 0 {
		return corerr.New(corerr.KindInvalidInput, "check-in-hours must be positive")
	}
	if c.AllowMainnet && !c.AcknowledgeMainnetRisk {
		return corerr.New(corerr.KindInvalidInput, "allow-mainnet requires acknowledge-mainnet-risk to also be set")
	}
	return nil
}
