package sos

// User-facing status texts.
const (
	msgFetchingLocation = "Fetching Location..."
	msgCreating         = "Creating cloud alert..."
	msgRetryFmt         = "Alert temporarily failed. Retrying... (%d/%d)"
	msgCreated          = "Emergency Alert Created Successfully"
	msgCreatedFallback  = " (using last known location)"
	msgUsingFallback    = "GPS unavailable. Using last known location."
	msgGPSErrorFmt      = "GPS Error: %s. No fallback location available."
	msgNotifyFailed     = "Note: SMS delivery failed. Alert is still active. Error: "
	msgNotifyFailedFB   = "Note: SMS delivery failed. Error: "
	msgNoSession        = "Session ID missing. Please refresh and try again."
	msgUnsupported      = "Geolocation is not supported by your browser."
	msgUnexpectedFmt    = "Unexpected error: %s"
)
