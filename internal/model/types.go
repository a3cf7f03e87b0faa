package model

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Layouts for persisted timestamps and calendar dates.
const (
	TimeLayout = "2006-01-02T15:04:05.000Z07:00"
	DateLayout = "2006-01-02"
)

// Audit values written on sessions synthesized by the reconciler.
const (
	RecreatedFromImageCheck    = "imageCheck"
	ReasonMissingActiveSession = "missingActiveSession"
	ReasonExitWithoutSession   = "exitWithoutSession"
)

// Site is a physical work location. Sites are compared by name.
type Site string

// NormalizeSite trims and NFC-normalizes a site name so that visually
// identical names compare equal.
func NormalizeSite(name string) Site {
	return Site(norm.NFC.String(strings.TrimSpace(name)))
}

func (s Site) String() string { return string(s) }

// Location is a best-effort GPS fix. Timestamp is unix milliseconds.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Session is one entry/exit pair at one site. A Session without Exit is open.
type Session struct {
	Entry         string    `json:"entry"`
	EntryImage    string    `json:"entryImage,omitempty"`
	EntryLocation *Location `json:"entryLocation,omitempty"`
	EntryKey      string    `json:"entryKey,omitempty"`

	Exit         string    `json:"exit,omitempty"`
	ExitImage    string    `json:"exitImage,omitempty"`
	ExitLocation *Location `json:"exitLocation,omitempty"`
	ExitKey      string    `json:"exitKey,omitempty"`

	PendingUpload bool `json:"pendingUpload,omitempty"`
	Plant         Site `json:"plant,omitempty"`

	RecreatedAt      string `json:"recreatedAt,omitempty"`
	RecreatedFrom    string `json:"recreatedFrom,omitempty"`
	RecreationReason string `json:"recreationReason,omitempty"`
	AutoRecovery     bool   `json:"autoRecovery,omitempty"`

	// RemoteID is set once the completed session has been pushed.
	RemoteID string `json:"remoteId,omitempty"`
}

// IsOpen reports whether the session still waits for an exit.
func (s Session) IsOpen() bool { return s.Exit == "" }

// IsComplete reports whether both entry and exit are recorded.
func (s Session) IsComplete() bool { return s.Entry != "" && s.Exit != "" }

// EntryTime parses Entry.
func (s Session) EntryTime() (time.Time, error) { return ParseTime(s.Entry) }

// ExitTime parses Exit.
func (s Session) ExitTime() (time.Time, error) { return ParseTime(s.Exit) }

// Validate checks the fields every persisted session must carry.
func (s Session) Validate() error {
	if s.Entry == "" {
		return fmt.Errorf("session has no entry timestamp")
	}
	if _, err := s.EntryTime(); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	if s.Exit != "" {
		if _, err := s.ExitTime(); err != nil {
			return fmt.Errorf("exit: %w", err)
		}
	}
	return nil
}

// ExitFields carries what RecordExit writes onto an open session.
type ExitFields struct {
	Exit          string
	ExitImage     string
	ExitLocation  *Location
	ExitKey       string
	PendingUpload bool
}

// DeviceInfo identifies the capturing device.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// AssetKind distinguishes entry and exit evidence.
type AssetKind string

const (
	AssetEntry AssetKind = "entryImage"
	AssetExit  AssetKind = "exitImage"
)

// Asset record status values.
const (
	StatusLocal    = "local"
	StatusUploaded = "uploaded"
	SyncCompleted  = "completed"
	JornadaCerrada = "cerrada"
)

// AssetRecord is the durable metadata of one captured photo.
type AssetRecord struct {
	ImageURL     string     `json:"imageUrl"`
	Plant        Site       `json:"plant"`
	Timestamp    string     `json:"timestamp"`
	JornadaFecha string     `json:"jornadaFecha"`
	Location     *Location  `json:"location,omitempty"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
	CreatedAt    string     `json:"createdAt"`
	UploadedAt   string     `json:"uploadedAt,omitempty"`
	SyncedAt     string     `json:"syncedAt,omitempty"`
	Status       string     `json:"status,omitempty"`
	SyncStatus   string     `json:"syncStatus,omitempty"`
	URLCorrected bool       `json:"urlCorrected,omitempty"`
	URLFixed     bool       `json:"urlFixed,omitempty"`
	FixedAt      string     `json:"fixedAt,omitempty"`
}

// Hours is a worked-time total. Total renders as "Xh Ym".
type Hours struct {
	Hours   int    `json:"horas"`
	Minutes int    `json:"minutos"`
	Total   string `json:"total"`
}

// NewHours normalizes minutes into hours and renders Total.
func NewHours(hours, minutes int) Hours {
	hours += minutes / 60
	minutes %= 60
	return Hours{Hours: hours, Minutes: minutes, Total: fmt.Sprintf("%dh %dm", hours, minutes)}
}

// Jornada is the immutable snapshot of a closed working day.
type Jornada struct {
	UserID        string             `json:"userId"`
	Fecha         string             `json:"fecha"`
	Plantas       map[Site][]Session `json:"plantas"`
	ClosedLocally bool               `json:"cerradaLocalmente"`
	ClosedAt      string             `json:"cerradaEn"`
	IncludedDates []string           `json:"fechasIncluidas"`
	Device        DeviceInfo         `json:"dispositivo"`
	Hours         Hours              `json:"horasCalculadas"`
	State         string             `json:"estado"`
}

// ParseTime parses a persisted timestamp. Offsets and fractional seconds
// are optional.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}
