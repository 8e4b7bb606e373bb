package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

// APIOptions tunes the pion SettingEngine.
type APIOptions struct {
	// UDPPortMin/Max restrict local ICE ports. Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16

	// IncludeLoopback gathers 127.0.0.1 candidates so two endpoints on one
	// host can connect without a network.
	IncludeLoopback bool

	// Net replaces the OS network stack, for tests on a virtual network.
	Net *vnet.Net

	Logger *slog.Logger
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = NewLoggerFactory(logger)

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
