package tunerapi

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SSDP answers M-SEARCH discovery requests on the LAN (spec.md §4.7, §6.3)
// so a scanning client finds the appliance without being told its address.
type SSDP struct {
	DeviceXMLURL string
	DeviceID     string
	logger       zerolog.Logger
}

// StartSSDP launches the UDP listener in the background; it returns
// immediately and logs (rather than fails) if baseURL can't be resolved into
// a device description URL, since SSDP is a discovery convenience, not a
// dependency any tune request needs.
func StartSSDP(ctx context.Context, baseURL, deviceID string, logger zerolog.Logger) {
	logger = logger.With().Str("component", "ssdp").Logger()
	deviceXMLURL := joinDeviceXMLURL(baseURL)
	if deviceXMLURL == "" {
		logger.Warn().Str("base_url", baseURL).Msg("SSDP disabled: base URL is not resolvable into a device.xml location")
		return
	}
	s := &SSDP{DeviceXMLURL: deviceXMLURL, DeviceID: deviceID, logger: logger}
	go s.run(ctx)
}

func (s *SSDP) run(ctx context.Context) {
	pc, err := net.ListenPacket("udp", ":1900")
	if err != nil {
		s.logger.Warn().Err(err).Msg("listen UDP 1900")
		return
	}
	defer pc.Close()
	s.logger.Info().Msg("SSDP listening on :1900")

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pc.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		msg := string(buf[:n])
		if strings.Contains(msg, "M-SEARCH") {
			if strings.Contains(msg, "ssdp:all") || strings.Contains(msg, "urn:schemas-upnp-org:device:MediaServer") {
				pc.WriteTo([]byte(s.searchResponse()), udpAddr)
			}
		}
	}
}

func (s *SSDP) searchResponse() string {
	return fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=300\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: broadcastd/1.0\r\n"+
			"ST: urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"USN: uuid:%s::urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"\r\n",
		s.DeviceXMLURL, s.DeviceID,
	)
}

func joinDeviceXMLURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/device.xml"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
