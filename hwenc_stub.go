//go:build !(darwin || linux) || nohwenc

package capture

// IsHardwareEncodingAvailable reports whether libmedia_hwenc loaded. Builds
// without the native binding never register hardware providers.
func IsHardwareEncodingAvailable() bool {
	return false
}
