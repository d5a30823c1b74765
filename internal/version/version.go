package version

// Current is the release version reported by the CLI and /healthz.
const Current = "0.1.0"
