package capture

import "sync/atomic"

// Provider identifies an encoder implementation.
type Provider uint8

const (
	ProviderAuto         Provider = iota // Let library choose best available
	ProviderVideoToolbox                 // Apple VideoToolbox (darwin)
	ProviderNVENC                        // NVIDIA NVENC (linux)
	ProviderVAAPI                        // VA-API (linux, Intel/AMD)
	ProviderSoftware                     // Software fallback
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	Feature10Bit         Features = 1 << iota // 10-bit color depth
	FeatureLowLatency                         // Optimized for real-time
	FeatureHDRMetadata                        // Color primaries/transfer signalling
	FeatureDataRateLimit                      // Hard data rate limits over a window
	FeatureBFrames                            // B-frame support (output reordering)
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	Hardware bool
	Features Features
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:         {"auto", false, 0},
	ProviderVideoToolbox: {"videotoolbox", true, Feature10Bit | FeatureLowLatency | FeatureHDRMetadata | FeatureDataRateLimit | FeatureBFrames},
	ProviderNVENC:        {"nvenc", true, Feature10Bit | FeatureLowLatency | FeatureHDRMetadata | FeatureBFrames},
	ProviderVAAPI:        {"vaapi", true, Feature10Bit | FeatureLowLatency},
	ProviderSoftware:     {"software", false, FeatureLowLatency},
}

// Runtime availability - set when a backend reports itself usable.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// ParseProvider maps a provider name to a Provider. Unknown names map to
// ProviderAuto.
func ParseProvider(name string) Provider {
	for p := ProviderAuto; p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p
		}
	}
	return ProviderAuto
}

// Hardware reports whether the provider runs on dedicated encode hardware.
func (p Provider) Hardware() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Hardware
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// hardwareProviders lists hardware providers in selection order.
var hardwareProviders = []Provider{ProviderVideoToolbox, ProviderNVENC, ProviderVAAPI}
