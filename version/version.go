package version

// These variables are set at build time using ldflags.
// Example: go build -ldflags "-X pdfqueue/version.Version=v1.0.0"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

// String formats the build information for the version command.
func String() string {
	return Version + " (commit " + CommitSHA + ", built " + BuildDate + ")"
}
