package appinfo

// Name is the user-facing application name.
const Name = "assistantd"

// Version is the user-facing semantic version.
//
// Keep this as a var so it can be overridden at build time via:
//
//	-ldflags "-X assistantd/internal/appinfo.Version=0.2.0"
var Version = "0.1.0"

// ClientName is sent in initialize by the bundled clients.
const ClientName = Name + "-cli"

func Display() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	return Name + " v" + v
}
