package model

// Status is the connection state of an account.
type Status string

const (
	StatusOffline    Status = "Offline"
	StatusConnecting Status = "Connecting"
	StatusOnline     Status = "Online"
)

// Account is the logged-in user and the folder graph owned by the
// orchestrator.
type Account struct {
	EmailAddress string
	RealName     string

	Online    bool
	LoggingIn bool
	Status    Status

	// Busy counts outstanding asynchronous operations. A value above zero
	// means a spinner should be shown.
	Busy int

	Folders []*Folder
}

// FolderByPath returns the folder with the given path, or nil.
func (a *Account) FolderByPath(path string) *Folder {
	for _, f := range a.Folders {
		if f.Path == path {
			return f
		}
	}
	return nil
}

// FolderByType returns the first folder of the given type, or nil.
func (a *Account) FolderByType(t FolderType) *Folder {
	for _, f := range a.Folders {
		if f.Type == t {
			return f
		}
	}
	return nil
}

// Credentials holds everything needed to reach the mail servers.
type Credentials struct {
	IMAP ServerCredentials
	SMTP ServerCredentials
}

// ServerCredentials describes one server endpoint.
type ServerCredentials struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is "tls", "starttls" or "none".
	Security string

	// PinnedCertificate is the PEM encoded leaf certificate accepted last
	// time, or empty when nothing is pinned yet.
	PinnedCertificate string
}
