package privacy

import "regexp"

// PIIType identifies a category of personally identifiable information
type PIIType string

// Supported PII types. Adding a type means adding a member here, a row in
// typeTable and a detection rule.
const (
	PersonName     PIIType = "person_name"
	Email          PIIType = "email"
	Phone          PIIType = "phone"
	SSN            PIIType = "ssn"
	CreditCard     PIIType = "credit_card"
	BankAccount    PIIType = "bank_account"
	Address        PIIType = "address"
	IPAddress      PIIType = "ip_address"
	MedicalRecord  PIIType = "medical_record"
	AccountNumber  PIIType = "account_number"
	Username       PIIType = "username"
	DateOfBirth    PIIType = "date_of_birth"
	DriversLicense PIIType = "drivers_license"
)

// EntityKind is the coarse subject a PII type belongs to (Person, Location, ...)
type EntityKind string

const (
	KindPerson   EntityKind = "Person"
	KindLocation EntityKind = "Location"
	KindAccount  EntityKind = "Account"
	KindDevice   EntityKind = "Device"
)

type typeInfo struct {
	kind  EntityKind
	label string
}

// typeTable is the closed PIIType -> (kind, token label) lookup
var typeTable = map[PIIType]typeInfo{
	PersonName:     {KindPerson, "name"},
	Email:          {KindPerson, "email"},
	Phone:          {KindPerson, "phone"},
	SSN:            {KindPerson, "ssn"},
	DateOfBirth:    {KindPerson, "dob"},
	DriversLicense: {KindPerson, "license"},
	MedicalRecord:  {KindPerson, "mrn"},
	Username:       {KindPerson, "user"},
	Address:        {KindLocation, "address"},
	IPAddress:      {KindDevice, "ip"},
	CreditCard:     {KindAccount, "card"},
	BankAccount:    {KindAccount, "bank"},
	AccountNumber:  {KindAccount, "account"},
}

// AllTypes lists every supported type in a stable order
var AllTypes = []PIIType{
	PersonName, Email, Phone, SSN, CreditCard, BankAccount, Address,
	IPAddress, MedicalRecord, AccountNumber, Username, DateOfBirth, DriversLicense,
}

// Kind returns the entity kind for t. Unknown types group as Person.
func (t PIIType) Kind() EntityKind {
	if info, ok := typeTable[t]; ok {
		return info.kind
	}
	return KindPerson
}

// Label returns the short lowercase tag used inside tokens
func (t PIIType) Label() string {
	if info, ok := typeTable[t]; ok {
		return info.label
	}
	return "pii"
}

// Valid reports whether t is a known type
func (t PIIType) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// DetectionRule represents a single fixed-pattern detection rule
type DetectionRule struct {
	Type       PIIType
	Pattern    *regexp.Regexp
	Group      int // capture group holding the value; 0 is the whole match
	Confidence float64
}

// Finding is one detected PII span. Start and End are byte offsets into the
// scanned text, always on rune boundaries, half-open.
type Finding struct {
	Type       PIIType `json:"type"`
	Value      string  `json:"-"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"-"` // detection tuning only, never persisted
}

// Overlaps reports whether two findings share any part of their spans
func (f Finding) Overlaps(o Finding) bool {
	return f.Start < o.End && o.Start < f.End
}
