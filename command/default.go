package command

const (
	// JSONOutputFlag switches command results to machine-readable
	// output.
	JSONOutputFlag = "json"

	// ConfigFlag points at the client configuration yaml.
	ConfigFlag = "config"

	// LogLevelFlag sets the minimum level of the client logger.
	LogLevelFlag = "log-level"
)

const DefaultLogLevel = "info"
