package transport

import (
	"fmt"
	"strings"

	tls "github.com/refraction-networking/utls"
)

// Preset names a browser whose TLS ClientHello and default request headers
// the session impersonates.
type Preset string

const (
	PresetChrome     Preset = "chrome"
	PresetFirefox    Preset = "firefox"
	PresetSafari     Preset = "safari"
	PresetIOS        Preset = "ios"
	PresetEdge       Preset = "edge"
	PresetRandomized Preset = "randomized"
)

// DefaultPreset is used when neither the request nor the manager names one.
const DefaultPreset = PresetChrome

type presetProfile struct {
	hello   tls.ClientHelloID
	headers [][2]string
}

// Header order matters to some fingerprinters, so profiles keep a slice.
var presetProfiles = map[Preset]presetProfile{
	PresetChrome: {
		hello: tls.HelloChrome_Auto,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
			{"Sec-Ch-Ua", `"Chromium";v="133", "Not(A:Brand";v="99", "Google Chrome";v="133"`},
			{"Sec-Ch-Ua-Mobile", "?0"},
			{"Sec-Ch-Ua-Platform", `"Windows"`},
			{"Sec-Fetch-Dest", "document"},
			{"Sec-Fetch-Mode", "navigate"},
			{"Sec-Fetch-Site", "none"},
			{"Sec-Fetch-User", "?1"},
			{"Upgrade-Insecure-Requests", "1"},
		},
	},
	PresetFirefox: {
		hello: tls.HelloFirefox_Auto,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.5"},
			{"Sec-Fetch-Dest", "document"},
			{"Sec-Fetch-Mode", "navigate"},
			{"Sec-Fetch-Site", "none"},
			{"Sec-Fetch-User", "?1"},
			{"Upgrade-Insecure-Requests", "1"},
		},
	},
	PresetSafari: {
		hello: tls.HelloSafari_Auto,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
		},
	},
	PresetIOS: {
		hello: tls.HelloIOS_Auto,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 14_8 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.2 Mobile/15E148 Safari/604.1"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
		},
	},
	PresetEdge: {
		hello: tls.HelloEdge_Auto,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/85.0.4183.83 Safari/537.36 Edg/85.0.564.44"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
			{"Sec-Fetch-Dest", "document"},
			{"Sec-Fetch-Mode", "navigate"},
			{"Sec-Fetch-Site", "none"},
			{"Upgrade-Insecure-Requests", "1"},
		},
	},
	PresetRandomized: {
		hello: tls.HelloRandomizedNoALPN,
		headers: [][2]string{
			{"User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"},
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
		},
	},
}

// ParsePreset maps a preset name to a Preset. The empty string yields "".
func ParsePreset(name string) (Preset, error) {
	if name == "" {
		return "", nil
	}
	p := Preset(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := presetProfiles[p]; !ok {
		return "", fmt.Errorf("transport: unknown preset %q", name)
	}
	return p, nil
}

// Presets lists every supported preset in a stable order.
func Presets() []Preset {
	return []Preset{PresetChrome, PresetFirefox, PresetSafari, PresetIOS, PresetEdge, PresetRandomized}
}

// clientHelloSpec generates a fresh ClientHelloSpec for the preset with ALPN
// restricted to http/1.1, since the session speaks HTTP/1 through
// net/http. Specs are generated per connection because ApplyPreset mutates
// extension state and randomized presets must differ per handshake.
func clientHelloSpec(p Preset) (tls.ClientHelloSpec, error) {
	profile, ok := presetProfiles[p]
	if !ok {
		return tls.ClientHelloSpec{}, fmt.Errorf("transport: unknown preset %q", p)
	}
	spec, err := tls.UTLSIdToSpec(profile.hello)
	if err != nil {
		return tls.ClientHelloSpec{}, fmt.Errorf("transport: tls spec for %s: %w", p, err)
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return spec, nil
}

// defaultHeaders returns the browser headers for the preset.
func defaultHeaders(p Preset) [][2]string {
	if profile, ok := presetProfiles[p]; ok {
		return profile.headers
	}
	return presetProfiles[DefaultPreset].headers
}
