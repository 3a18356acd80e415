//go:build !(darwin || linux) || noswenc

package capture

// IsSoftwareEncodingAvailable reports whether any software encoder shim
// loaded. Builds without the software binding never register it.
func IsSoftwareEncodingAvailable() bool {
	return false
}
