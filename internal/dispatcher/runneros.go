package dispatcher

import "runtime"

// currentOS maps runtime.GOOS to the orchestrator's runnerOS vocabulary
// expected by the acquirejob body (spec §4.2).
func currentOS() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	default:
		return "Linux"
	}
}
