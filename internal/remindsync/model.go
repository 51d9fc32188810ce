package remindsync

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Appointment is the unit of state the whole service revolves around.
// Dates and times are kept as plain strings in lexicographically sortable
// form (YYYY-MM-DD, HH:MM), so ordering is pure string comparison.
type Appointment struct {
	ID              int64  `json:"id"`
	ClientName      string `json:"client_name"`
	PhoneNumber     string `json:"phone_number"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	Status          string `json:"status"`
}

// Settings configures dispatch and the optional remote backend. The remote
// fields are opaque to the store; they are only checked for presence when
// remote sync is switched on.
type Settings struct {
	WebhookURL       string `json:"webhook_url"`
	UseRemote        bool   `json:"use_remote"`
	RemoteCredential string `json:"remote_credential"`
	RemoteRepo       string `json:"remote_repo"`
	RemotePath       string `json:"remote_path"`
	RemoteBranch     string `json:"remote_branch"`
}

func defaultSettings() Settings {
	return Settings{RemoteBranch: "main"}
}

const (
	collectionAppointments = "appointments"
	collectionSettings     = "settings"
)

// SyncOutcome reports how a mutation was persisted. The local save is the
// durability guarantee; the remote leg is best-effort and its failure is
// carried here instead of failing the operation.
type SyncOutcome struct {
	LocalSaved  bool   `json:"localSaved"`
	RemoteState string `json:"remoteState"` // disabled | synced | failed
	RemoteError string `json:"remoteError,omitempty"`
}

const (
	remoteStateDisabled = "disabled"
	remoteStateSynced   = "synced"
	remoteStateFailed   = "failed"
)

type Event struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	AppointmentID int64  `json:"appointmentId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

const (
	EventAppointmentCreated = "appointment.created"
	EventAppointmentDeleted = "appointment.deleted"
	EventAppointmentSent    = "appointment.sent"
	EventSettingsUpdated    = "settings.updated"
	EventCacheReloaded      = "cache.reloaded"
)

// CollectionStatus describes one logical collection's sync state.
type CollectionStatus struct {
	Key           string `json:"key"`
	RemoteEnabled bool   `json:"remoteEnabled"`
	Version       string `json:"version,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

type SyncStatus struct {
	Collections []CollectionStatus `json:"collections"`
}
