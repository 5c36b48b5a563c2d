package model

import "time"

// Core domain types

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAssigned   RequestStatus = "assigned"
	StatusInProgress RequestStatus = "in-progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Active reports whether a driver is attached and the job is not finished.
func (s RequestStatus) Active() bool { return s == StatusAssigned || s == StatusInProgress }

// Terminal reports whether no transition can leave s.
func (s RequestStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// DefaultPoint is used when a requester's position could not be acquired.
var DefaultPoint = GeoPoint{Lat: 37.7749, Lng: -122.4194}

type Location struct {
	Address     string   `json:"address" yaml:"address"`
	Coordinates GeoPoint `json:"coordinates" yaml:"coordinates"`
}

type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemSender marks messages generated by lifecycle transitions.
const SystemSender = "system"

type Rating struct {
	Rating    int       `json:"rating"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Request struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	UserName       string        `json:"userName"`
	UserPhone      string        `json:"userPhone,omitempty"`
	Location       Location      `json:"location"`
	Description    string        `json:"description"`
	PatientName    string        `json:"patientName,omitempty"`
	PatientAge     string        `json:"patientAge,omitempty"`
	PatientGender  string        `json:"patientGender,omitempty"`
	EmergencyType  string        `json:"emergencyType,omitempty"`
	AdditionalInfo string        `json:"additionalInfo,omitempty"`
	Severity       Severity      `json:"severity"`
	Status         RequestStatus `json:"status"`

	AssignedTo  string `json:"assignedTo,omitempty"`
	DriverName  string `json:"driverName,omitempty"`
	DriverPhone string `json:"driverPhone,omitempty"`
	DriverPhoto string `json:"driverPhoto,omitempty"`
	AmbulanceID string `json:"ambulanceId,omitempty"`

	Timestamp        time.Time  `json:"timestamp"`
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`

	Messages []Message `json:"messages"`
	Notes    []string  `json:"notes,omitempty"`
	Rating   *Rating   `json:"rating,omitempty"`

	Version int `json:"version"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (r Request) Clone() Request {
	out := r
	out.Messages = append([]Message(nil), r.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	out.Notes = append([]string(nil), r.Notes...)
	if r.EstimatedArrival != nil {
		t := *r.EstimatedArrival
		out.EstimatedArrival = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		out.CancelledAt = &t
	}
	if r.Rating != nil {
		rt := *r.Rating
		out.Rating = &rt
	}
	return out
}

type DriverLocation struct {
	Coordinates GeoPoint `json:"coordinates" yaml:"coordinates"`
	Address     string   `json:"address,omitempty" yaml:"address"`
}

type Driver struct {
	ID                   string          `json:"id" yaml:"id"`
	Name                 string          `json:"name" yaml:"name"`
	DriverID             string          `json:"driverId,omitempty" yaml:"driverId"`
	AmbulanceID          string          `json:"ambulanceId,omitempty" yaml:"ambulanceId"`
	LicenseNumber        string          `json:"licenseNumber,omitempty" yaml:"licenseNumber"`
	PhotoURL             string          `json:"photoUrl,omitempty" yaml:"photoUrl"`
	Phone                string          `json:"phone,omitempty" yaml:"phone"`
	Status               DriverStatus    `json:"status" yaml:"status"`
	Location             *DriverLocation `json:"location,omitempty" yaml:"location"`
	CurrentAssignment    string          `json:"currentAssignment,omitempty" yaml:"-"`
	CurrentJob           string          `json:"currentJob,omitempty" yaml:"currentJob"`
	CompletedAssignments int             `json:"completedAssignments" yaml:"completedAssignments"`
	UpdatedAt            time.Time       `json:"updatedAt" yaml:"-"`
	Version              int             `json:"version" yaml:"-"`
}

func (d Driver) Clone() Driver {
	out := d
	if d.Location != nil {
		l := *d.Location
		out.Location = &l
	}
	return out
}

// RequestFilter selects requests for listing. Empty fields match everything.
type RequestFilter struct {
	Status     RequestStatus
	UserID     string
	AssignedTo string
}

type DriverFilter struct {
	Status DriverStatus
}

// Notification is one entry handed to a Notifier and kept in the recipient's inbox.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	RequestID   string    `json:"requestId,omitempty"`
	Event       string    `json:"event,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AdminsRecipient addresses every administrator at once.
const AdminsRecipient = "admins"

type SubscriptionRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"required,min=1"`
	Secret string   `json:"secret,omitempty"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
