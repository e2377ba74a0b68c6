package domain

// Installation records where an actor was installed from and with which
// limits. One row per actor_name; reinstalling replaces it.
type Installation struct {
	ID              string   `json:"id"`
	ActorName       string   `json:"actor_name"`
	DefinitionPath  string   `json:"definition_path"`
	FormatVersion   string   `json:"format_version,omitempty"`
	ArchiveLocation string   `json:"archive_location"`
	InstallDir      string   `json:"install_dir"`
	ToolName        string   `json:"tool_name"`
	MemLimit        int64    `json:"memlimit"`
	TimeLimit       int64    `json:"timelimit"`
	CPUCores        int      `json:"cpu_cores,omitempty"`
	IncludedFiles   []string `json:"included_files"`
	Downloaded      bool     `json:"downloaded"`
	InstalledAt     string   `json:"installed_at" format:"date-time"`
}

// Event is one entry of the append-only ledger.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type" enum:"actor.install,actor.reuse,policy.violation"`
	ActorName string `json:"actor_name,omitempty"`
	Subject   string `json:"subject"`
	Payload   string `json:"payload_json"`
}

// Ledger event types.
const (
	EventActorInstall    = "actor.install"
	EventActorReuse      = "actor.reuse"
	EventPolicyViolation = "policy.violation"
)

// PolicyReport is the outcome of checking one archive location.
type PolicyReport struct {
	Location         string   `json:"location"`
	Allowed          bool     `json:"allowed"`
	Restricted       bool     `json:"restricted"`
	AllowedLocations []string `json:"allowed_locations,omitempty"`
	PolicySource     string   `json:"policy_source,omitempty"`
}
